package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/feature/account"
	"tg_business_monitor_bot/internal/ledger/referral"
	"tg_business_monitor_bot/internal/ledger/subscription"
	"tg_business_monitor_bot/internal/logging"
)

const (
	referralPayloadPrefix = "ref_"
	invoicePayload        = "subscription"
	starsCurrency         = "XTR"

	approveCallbackPrefix = "approve_"
	rejectCallbackPrefix  = "reject_"
)

func (c *Client) handleMessage(ctx context.Context, s sender, msg *models.Message) {
	uid := userID(msg.From)
	if uid == 0 {
		return
	}

	c.ensureAccount(ctx, msg.From)

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	fields := strings.Fields(text)
	command := fields[0]
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	args := fields[1:]

	chat := msg.Chat.ID

	switch command {
	case "/start":
		c.cmdStart(ctx, s, uid, chat, args)
	case "/buy":
		c.cmdBuy(ctx, s, chat)
	case "/status":
		c.cmdStatus(ctx, s, uid, chat)
	case "/balance":
		c.cmdBalance(ctx, s, uid, chat)
	case "/withdraw":
		c.cmdWithdraw(ctx, s, uid, chat, args)
	case "/bonus":
		c.cmdBonus(ctx, s, uid, chat)
	case "/grant":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdGrant(ctx, s, chat, args) })
	case "/revoke":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdRevoke(ctx, s, chat, args) })
	case "/bulkgrant":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdBulkGrant(ctx, s, chat, args) })
	case "/broadcast":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdBroadcast(ctx, s, chat, args) })
	case "/reconcile":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdReconcile(ctx, s, chat) })
	case "/pending":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdPending(ctx, s, chat) })
	case "/promote":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdSetAdmin(ctx, s, chat, args, true) })
	case "/demote":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdSetAdmin(ctx, s, chat, args, false) })
	case "/stats":
		c.adminOnly(ctx, s, uid, chat, func() { c.cmdStats(ctx, s, chat) })
	}
}

func (c *Client) ensureAccount(ctx context.Context, user *models.User) {
	if c.registrar == nil || user == nil {
		return
	}

	_, err := c.registrar.EnsureAccount(ctx, user.ID, account.Identity{
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
	})
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "account_register_failed",
			"user_id": user.ID,
		}).WithError(err).Warn("failed to ensure account")
	}
}

func (c *Client) adminOnly(ctx context.Context, s sender, uid, chat int64, run func()) {
	if c.gate == nil || !c.gate.IsAdmin(ctx, uid) {
		c.reply(ctx, s, chat, "This command is available to admins only.")
		return
	}
	run()
}

func (c *Client) cmdStart(ctx context.Context, s sender, uid, chat int64, args []string) {
	if len(args) > 0 && c.referrals != nil {
		payload := args[0]
		if ref, ok := strings.CutPrefix(payload, referralPayloadPrefix); ok {
			referrerID, err := strconv.ParseInt(ref, 10, 64)
			if err == nil && referrerID != 0 {
				if _, err := c.referrals.Attribute(ctx, uid, referrerID); err != nil {
					c.logger.WithFields(logging.Fields{
						"event":       "referral_attribute_failed",
						"user_id":     uid,
						"referrer_id": referrerID,
					}).WithError(err).Warn("failed to attribute referral")
				}
			}
		}
	}

	if c.gate != nil && c.subscriptions != nil && c.gate.IsAdmin(ctx, uid) {
		if _, err := c.subscriptions.Grant(ctx, uid, subscription.PerpetualDays, domain.TierAdminForever); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "admin_self_grant_failed",
				"user_id": uid,
			}).WithError(err).Warn("failed to grant admin subscription")
		}
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Welcome! I keep an eye on your business chats: I archive messages and "+
			"tell you when the other side edits or deletes them.\n\n"+
			"/buy — subscription for %d days (%d stars)\n"+
			"/status — your subscription\n"+
			"/balance — referral earnings\n"+
			"/bonus — claim the partner channel bonus\n\n"+
			"Invite friends with the start code %s%d and earn 30%% of their purchases.",
		c.subscriptionDays, c.subscriptionPrice, referralPayloadPrefix, uid))
}

func (c *Client) cmdBuy(ctx context.Context, s sender, chat int64) {
	if _, err := s.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:      chat,
		Title:       "Business monitoring subscription",
		Description: fmt.Sprintf("%d days of business chat monitoring", c.subscriptionDays),
		Payload:     invoicePayload,
		Currency:    starsCurrency,
		Prices: []models.LabeledPrice{
			{Label: "Subscription", Amount: c.subscriptionPrice},
		},
	}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "invoice_send_failed",
			"chat_id": chat,
		}).WithError(err).Warn("failed to send invoice")
		c.reply(ctx, s, chat, "Could not create the invoice, please try again later.")
	}
}

func (c *Client) handlePreCheckout(ctx context.Context, s sender, query *models.PreCheckoutQuery) {
	if _, err := s.AnswerPreCheckoutQuery(ctx, &bot.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "pre_checkout_answer_failed",
			"user_id": query.From.ID,
		}).WithError(err).Error("failed to approve pre-checkout query")
	}
}

func (c *Client) handleSuccessfulPayment(ctx context.Context, s sender, msg *models.Message) {
	uid := userID(msg.From)
	payment := msg.SuccessfulPayment
	if uid == 0 || payment == nil || c.subscriptions == nil {
		return
	}

	c.ensureAccount(ctx, msg.From)

	expires, err := c.subscriptions.Grant(ctx, uid, c.subscriptionDays, domain.TierMonthly)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "payment_grant_failed",
			"user_id": uid,
		}).WithError(err).Error("failed to activate paid subscription")
		c.reply(ctx, s, msg.Chat.ID, "Payment received but activation failed, please contact support.")
		return
	}

	c.logger.WithFields(logging.Fields{
		"event":   "payment_processed",
		"user_id": uid,
		"amount":  payment.TotalAmount,
	}).Info("activated paid subscription")

	c.reply(ctx, s, msg.Chat.ID, fmt.Sprintf(
		"Payment received. Your subscription is active until %s.",
		expires.Format("2006-01-02")))

	if c.referrals == nil {
		return
	}

	credited, referrerID, err := c.referrals.CreditPurchase(ctx, uid, int64(payment.TotalAmount))
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "referral_credit_failed",
			"user_id": uid,
		}).WithError(err).Warn("failed to credit referrer")
		return
	}

	if credited > 0 {
		c.reply(ctx, s, referrerID, fmt.Sprintf(
			"Your referral just paid for a subscription: +%d stars on your balance.", credited))
	}
}

func (c *Client) cmdStatus(ctx context.Context, s sender, uid, chat int64) {
	if c.accounts == nil || c.subscriptions == nil {
		return
	}

	if !c.subscriptions.CheckAccess(ctx, uid) {
		c.reply(ctx, s, chat, "You have no active subscription. Use /buy to get one.")
		return
	}

	acc, err := c.accounts.GetByID(ctx, uid)
	if err != nil {
		c.reply(ctx, s, chat, "Your subscription is active.")
		return
	}

	if acc.IsAdmin {
		c.reply(ctx, s, chat, "You are an admin: access never expires.")
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Your subscription is active until %s.", acc.SubscriptionExpires.Format("2006-01-02")))
}

func (c *Client) cmdBalance(ctx context.Context, s sender, uid, chat int64) {
	if c.accounts == nil {
		return
	}

	acc, err := c.accounts.GetByID(ctx, uid)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "balance_lookup_failed",
			"user_id": uid,
		}).WithError(err).Warn("failed to load account for balance")
		c.reply(ctx, s, chat, "Could not load your balance, please try again later.")
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Referrals: %d\nAvailable: %d stars\nPending withdrawal: %d stars\nWithdrawn: %d stars\n\n"+
			"Withdraw with /withdraw <amount> (minimum %d). Invite code: %s%d",
		acc.ReferralCount, acc.EarnedStars, acc.PendingWithdrawal, acc.TotalWithdrawn,
		referral.MinWithdrawal, referralPayloadPrefix, uid))
}

func (c *Client) cmdWithdraw(ctx context.Context, s sender, uid, chat int64, args []string) {
	if c.referrals == nil {
		return
	}

	if len(args) == 0 {
		c.reply(ctx, s, chat, fmt.Sprintf("Usage: /withdraw <amount> (minimum %d stars).", referral.MinWithdrawal))
		return
	}

	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		c.reply(ctx, s, chat, "The amount must be a whole number of stars.")
		return
	}

	request, err := c.referrals.RequestWithdrawal(ctx, uid, amount)
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		c.reply(ctx, s, chat, fmt.Sprintf("The minimum withdrawal is %d stars.", referral.MinWithdrawal))
		return
	case errors.Is(err, domain.ErrInsufficientBalance):
		c.reply(ctx, s, chat, "You do not have that many available stars.")
		return
	case err != nil:
		c.logger.WithFields(logging.Fields{
			"event":   "withdrawal_request_failed",
			"user_id": uid,
		}).WithError(err).Error("failed to create withdrawal request")
		c.reply(ctx, s, chat, "Could not create the withdrawal request, please try again later.")
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Withdrawal request for %d stars submitted. You will be notified once it is processed.",
		request.Amount))

	c.notifyMainAdmin(ctx, s, request)
}

func (c *Client) notifyMainAdmin(ctx context.Context, s sender, request domain.WithdrawalRequest) {
	if c.mainAdminID == 0 || s == nil {
		return
	}

	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: c.mainAdminID,
		Text: fmt.Sprintf("Withdrawal request from user %d: %d stars (id %s)",
			request.UserID, request.Amount, request.ID),
		ReplyMarkup: settleKeyboard(request.ID),
	}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":      "admin_notify_failed",
			"request_id": request.ID,
		}).WithError(err).Warn("failed to notify main admin about withdrawal")
	}
}

func settleKeyboard(requestID string) models.ReplyMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "Approve", CallbackData: approveCallbackPrefix + requestID},
			{Text: "Reject", CallbackData: rejectCallbackPrefix + requestID},
		}},
	}
}

func (c *Client) cmdBonus(ctx context.Context, s sender, uid, chat int64) {
	if c.subscriptions == nil {
		return
	}

	expires, err := c.subscriptions.ClaimChannelBonus(ctx, uid)
	switch {
	case errors.Is(err, domain.ErrBonusAlreadyUsed):
		c.reply(ctx, s, chat, "You have already claimed the partner channel bonus.")
		return
	case err != nil:
		c.logger.WithFields(logging.Fields{
			"event":   "bonus_claim_failed",
			"user_id": uid,
		}).WithError(err).Warn("failed to claim channel bonus")
		c.reply(ctx, s, chat, "Could not claim the bonus, please try again later.")
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Bonus claimed! Your subscription now runs until %s.", expires.Format("2006-01-02")))
}

func (c *Client) cmdGrant(ctx context.Context, s sender, chat int64, args []string) {
	if c.subscriptions == nil || len(args) < 2 {
		c.reply(ctx, s, chat, "Usage: /grant <user_id> <days> (-1 for lifetime).")
		return
	}

	target, errID := strconv.ParseInt(args[0], 10, 64)
	days, errDays := strconv.Atoi(args[1])
	if errID != nil || errDays != nil {
		c.reply(ctx, s, chat, "Usage: /grant <user_id> <days> (-1 for lifetime).")
		return
	}

	expires, err := c.subscriptions.Grant(ctx, target, days, domain.TierAdmin)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		c.reply(ctx, s, chat, fmt.Sprintf("User %d has never talked to the bot.", target))
		return
	case err != nil:
		c.reply(ctx, s, chat, fmt.Sprintf("Grant failed: %v", err))
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf("Granted: user %d has access until %s.",
		target, expires.Format("2006-01-02")))
	c.reply(ctx, s, target, fmt.Sprintf(
		"An admin granted you a subscription until %s.", expires.Format("2006-01-02")))
}

func (c *Client) cmdRevoke(ctx context.Context, s sender, chat int64, args []string) {
	if c.subscriptions == nil || len(args) < 1 {
		c.reply(ctx, s, chat, "Usage: /revoke <user_id>.")
		return
	}

	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		c.reply(ctx, s, chat, "Usage: /revoke <user_id>.")
		return
	}

	switch err := c.subscriptions.Revoke(ctx, target); {
	case errors.Is(err, domain.ErrUserNotFound):
		c.reply(ctx, s, chat, fmt.Sprintf("User %d has never talked to the bot.", target))
	case err != nil:
		c.reply(ctx, s, chat, fmt.Sprintf("Revoke failed: %v", err))
	default:
		c.reply(ctx, s, chat, fmt.Sprintf("Revoked: user %d no longer has access.", target))
	}
}

func (c *Client) cmdBulkGrant(ctx context.Context, s sender, chat int64, args []string) {
	if c.subscriptions == nil || c.accounts == nil || len(args) < 1 {
		c.reply(ctx, s, chat, "Usage: /bulkgrant <days>.")
		return
	}

	days, err := strconv.Atoi(args[0])
	if err != nil {
		c.reply(ctx, s, chat, "Usage: /bulkgrant <days>.")
		return
	}

	accounts, err := c.accounts.ListAll(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Bulk grant failed: %v", err))
		return
	}

	granted := 0
	for _, acc := range accounts {
		if _, err := c.subscriptions.Grant(ctx, acc.UserID, days, domain.TierAdminBulk); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "bulk_grant_failed",
				"user_id": acc.UserID,
			}).WithError(err).Warn("failed to grant during bulk operation")
			continue
		}
		granted++
	}

	c.reply(ctx, s, chat, fmt.Sprintf("Bulk grant complete: %d of %d users extended by %d days.",
		granted, len(accounts), days))
}

func (c *Client) cmdBroadcast(ctx context.Context, s sender, chat int64, args []string) {
	if c.accounts == nil || len(args) < 1 {
		c.reply(ctx, s, chat, "Usage: /broadcast <text>.")
		return
	}

	text := strings.Join(args, " ")

	accounts, err := c.accounts.ListAll(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Broadcast failed: %v", err))
		return
	}

	delivered := 0
	for _, acc := range accounts {
		if _, err := s.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: acc.UserID,
			Text:   text,
		}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":   "broadcast_send_failed",
				"user_id": acc.UserID,
			}).WithError(err).Warn("failed to deliver broadcast message")
			continue
		}
		delivered++
	}

	c.reply(ctx, s, chat, fmt.Sprintf("Broadcast delivered to %d of %d users.", delivered, len(accounts)))
}

func (c *Client) cmdReconcile(ctx context.Context, s sender, chat int64) {
	if c.subscriptions == nil {
		return
	}

	fixed, total, err := c.subscriptions.ReconcileAll(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Reconcile failed: %v", err))
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf("Reconcile complete: downgraded %d of %d accounts.", fixed, total))
}

func (c *Client) cmdPending(ctx context.Context, s sender, chat int64) {
	if c.referrals == nil {
		return
	}

	pending, err := c.referrals.ListPending(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Could not list pending withdrawals: %v", err))
		return
	}

	if len(pending) == 0 {
		c.reply(ctx, s, chat, "No pending withdrawal requests.")
		return
	}

	for _, request := range pending {
		if _, err := s.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chat,
			Text: fmt.Sprintf("User %d requests %d stars (id %s, %s)",
				request.UserID, request.Amount, request.ID, request.CreatedAt.Format("2006-01-02 15:04")),
			ReplyMarkup: settleKeyboard(request.ID),
		}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event":      "pending_list_send_failed",
				"request_id": request.ID,
			}).WithError(err).Warn("failed to send pending withdrawal entry")
		}
	}
}

func (c *Client) cmdSetAdmin(ctx context.Context, s sender, chat int64, args []string, promote bool) {
	usage := "Usage: /promote <user_id>."
	if !promote {
		usage = "Usage: /demote <user_id>."
	}

	if c.gate == nil || len(args) < 1 {
		c.reply(ctx, s, chat, usage)
		return
	}

	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		c.reply(ctx, s, chat, usage)
		return
	}

	if promote {
		err = c.gate.Promote(ctx, target)
	} else {
		err = c.gate.Demote(ctx, target)
	}

	switch {
	case errors.Is(err, domain.ErrProtectedAccount):
		c.reply(ctx, s, chat, "The main admin cannot be changed.")
	case errors.Is(err, domain.ErrUserNotFound):
		c.reply(ctx, s, chat, fmt.Sprintf("User %d has never talked to the bot.", target))
	case err != nil:
		c.reply(ctx, s, chat, fmt.Sprintf("Operation failed: %v", err))
	case promote:
		c.reply(ctx, s, chat, fmt.Sprintf("User %d is now an admin.", target))
	default:
		c.reply(ctx, s, chat, fmt.Sprintf("User %d is no longer an admin.", target))
	}
}

func (c *Client) cmdStats(ctx context.Context, s sender, chat int64) {
	if c.stats == nil {
		return
	}

	users, err := c.stats.CountUsers(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Stats unavailable: %v", err))
		return
	}

	active, err := c.stats.CountActiveSubscriptions(ctx, c.now())
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Stats unavailable: %v", err))
		return
	}

	messages, err := c.stats.CountMessages(ctx)
	if err != nil {
		c.reply(ctx, s, chat, fmt.Sprintf("Stats unavailable: %v", err))
		return
	}

	c.reply(ctx, s, chat, fmt.Sprintf(
		"Users: %d\nActive subscriptions: %d\nArchived messages: %d", users, active, messages))
}

func (c *Client) handleCallback(ctx context.Context, s sender, query *models.CallbackQuery) {
	data := strings.TrimSpace(query.Data)

	answer := func(text string) {
		if _, err := s.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: query.ID,
			Text:            text,
		}); err != nil {
			c.logger.WithFields(logging.Fields{
				"event": "callback_answer_failed",
			}).WithError(err).Warn("failed to answer callback query")
		}
	}

	var requestID string
	var approve bool
	switch {
	case strings.HasPrefix(data, approveCallbackPrefix):
		requestID = strings.TrimPrefix(data, approveCallbackPrefix)
		approve = true
	case strings.HasPrefix(data, rejectCallbackPrefix):
		requestID = strings.TrimPrefix(data, rejectCallbackPrefix)
	default:
		answer("")
		return
	}

	adminID := query.From.ID
	if c.gate == nil || c.referrals == nil || !c.gate.IsAdmin(ctx, adminID) {
		answer("Admins only.")
		return
	}

	request, err := c.referrals.SettleWithdrawal(ctx, requestID, adminID, approve)
	switch {
	case errors.Is(err, domain.ErrRequestNotFound):
		answer("Request not found.")
		return
	case errors.Is(err, domain.ErrRequestAlreadySettled):
		answer("Request was already settled.")
		return
	case err != nil:
		c.logger.WithFields(logging.Fields{
			"event":      "withdrawal_settle_failed",
			"request_id": requestID,
		}).WithError(err).Error("failed to settle withdrawal")
		answer("Settlement failed.")
		return
	}

	if approve {
		answer("Approved.")
		c.reply(ctx, s, request.UserID, fmt.Sprintf(
			"Your withdrawal of %d stars was approved and paid out.", request.Amount))
	} else {
		answer("Rejected.")
		c.reply(ctx, s, request.UserID, fmt.Sprintf(
			"Your withdrawal of %d stars was rejected; the stars are back on your balance.", request.Amount))
	}
}
