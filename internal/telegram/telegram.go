// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_business_monitor_bot/internal/config"
	"tg_business_monitor_bot/internal/domain"
	"tg_business_monitor_bot/internal/feature/account"
	"tg_business_monitor_bot/internal/ledger/referral"
	"tg_business_monitor_bot/internal/logging"
	"tg_business_monitor_bot/internal/monitor"
)

type botRunner interface {
	Start(ctx context.Context)
}

// sender is the slice of the bot API the handlers call. *bot.Bot satisfies it;
// tests substitute a recorder.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendInvoice(ctx context.Context, params *bot.SendInvoiceParams) (*models.Message, error)
	AnswerPreCheckoutQuery(ctx context.Context, params *bot.AnswerPreCheckoutQueryParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

type accountRegistrar interface {
	EnsureAccount(ctx context.Context, userID int64, identity account.Identity) (bool, error)
}

type accountFetcher interface {
	GetByID(ctx context.Context, userID int64) (domain.UserAccount, error)
	ListAll(ctx context.Context) ([]domain.UserAccount, error)
}

type subscriptionLedger interface {
	Grant(ctx context.Context, userID int64, days int, tier string) (time.Time, error)
	Revoke(ctx context.Context, userID int64) error
	CheckAccess(ctx context.Context, userID int64) bool
	ReconcileAll(ctx context.Context) (int, int, error)
	ClaimChannelBonus(ctx context.Context, userID int64) (time.Time, error)
}

type referralLedger interface {
	Attribute(ctx context.Context, newUserID, referrerID int64) (referral.Attribution, error)
	CreditPurchase(ctx context.Context, payerID, amount int64) (int64, int64, error)
	RequestWithdrawal(ctx context.Context, userID, amount int64) (domain.WithdrawalRequest, error)
	SettleWithdrawal(ctx context.Context, requestID string, adminID int64, approve bool) (domain.WithdrawalRequest, error)
	ListPending(ctx context.Context) ([]domain.WithdrawalRequest, error)
}

type adminGate interface {
	IsAdmin(ctx context.Context, userID int64) bool
	IsMainAdmin(userID int64) bool
	Promote(ctx context.Context, userID int64) error
	Demote(ctx context.Context, userID int64) error
}

type messageArchive interface {
	Record(ctx context.Context, msg monitor.ArchivedMessage) error
	RecordEdit(ctx context.Context, chatID int64, messageID int, newText string) (*monitor.ArchivedMessage, error)
	MarkDeleted(ctx context.Context, chatID int64, messageIDs []int) ([]monitor.ArchivedMessage, error)
}

type statsProvider interface {
	CountUsers(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
	CountActiveSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
		"pre_checkout_query",
		"business_connection",
		"business_message",
		"edited_business_message",
		"deleted_business_messages",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance and the domain dependencies the
// handlers call into.
type Client struct {
	bot    botRunner
	logger *logrus.Entry

	registrar     accountRegistrar
	accounts      accountFetcher
	subscriptions subscriptionLedger
	referrals     referralLedger
	gate          adminGate
	archive       messageArchive
	stats         statsProvider

	mainAdminID       int64
	subscriptionPrice int
	subscriptionDays  int
	now               func() time.Time

	// business connection id to owning user id, learned from
	// business_connection updates.
	connMu     sync.RWMutex
	connOwners map[string]int64
}

// Option customizes the Client's dependencies.
type Option func(*Client)

// WithAccountRegistrar wires the registrar used to upsert accounts on every
// interaction.
func WithAccountRegistrar(registrar accountRegistrar) Option {
	return func(c *Client) { c.registrar = registrar }
}

// WithAccountFetcher wires read access to stored accounts.
func WithAccountFetcher(accounts accountFetcher) Option {
	return func(c *Client) { c.accounts = accounts }
}

// WithSubscriptionLedger wires the subscription ledger.
func WithSubscriptionLedger(ledger subscriptionLedger) Option {
	return func(c *Client) { c.subscriptions = ledger }
}

// WithReferralLedger wires the referral-earnings ledger.
func WithReferralLedger(ledger referralLedger) Option {
	return func(c *Client) { c.referrals = ledger }
}

// WithAdminGate wires the admin authorization gate.
func WithAdminGate(gate adminGate) Option {
	return func(c *Client) { c.gate = gate }
}

// WithMessageArchive wires the business-message archive.
func WithMessageArchive(archive messageArchive) Option {
	return func(c *Client) { c.archive = archive }
}

// WithStatsProvider wires the stats provider behind /stats.
func WithStatsProvider(stats statsProvider) Option {
	return func(c *Client) { c.stats = stats }
}

// NewClient initializes the Telegram bot with long polling and the update
// router as default handler.
func NewClient(cfg config.Config, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	client := &Client{
		logger:            logger,
		mainAdminID:       cfg.MainAdminID,
		subscriptionPrice: cfg.SubscriptionPrice,
		subscriptionDays:  cfg.SubscriptionDays,
		now:               time.Now,
		connOwners:        make(map[string]int64),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(client.routeHandler()),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	client.bot = tgBot
	return client, nil
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

func (c *Client) routeHandler() bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		c.route(ctx, b, update)
	}
}

func (c *Client) route(ctx context.Context, s sender, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)

	fields := logging.Fields{
		"event":       "telegram_update",
		"update_type": meta.updateType,
	}
	if meta.userID != 0 {
		fields["user_id"] = meta.userID
	}
	if meta.chatID != 0 {
		fields["chat_id"] = meta.chatID
	}
	c.logger.WithFields(fields).Debug("telegram update received")

	switch {
	case update.PreCheckoutQuery != nil:
		c.handlePreCheckout(ctx, s, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		c.handleSuccessfulPayment(ctx, s, update.Message)
	case update.Message != nil:
		c.handleMessage(ctx, s, update.Message)
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, s, update.CallbackQuery)
	case update.BusinessConnection != nil:
		c.handleBusinessConnection(ctx, s, update.BusinessConnection)
	case update.BusinessMessage != nil:
		c.handleBusinessMessage(ctx, update.BusinessMessage)
	case update.EditedBusinessMessage != nil:
		c.handleEditedBusinessMessage(ctx, s, update.EditedBusinessMessage)
	case update.DeletedBusinessMessages != nil:
		c.handleDeletedBusinessMessages(ctx, s, update.DeletedBusinessMessages)
	}
}

type updateMeta struct {
	userID     int64
	chatID     int64
	updateType string
}

func extractUpdateMeta(update *models.Update) updateMeta {
	switch {
	case update.Message != nil:
		return updateMeta{
			userID:     userID(update.Message.From),
			chatID:     chatID(&update.Message.Chat),
			updateType: "message",
		}
	case update.CallbackQuery != nil:
		return updateMeta{
			userID:     update.CallbackQuery.From.ID,
			chatID:     messageChatID(update.CallbackQuery.Message),
			updateType: "callback_query",
		}
	case update.PreCheckoutQuery != nil:
		return updateMeta{
			userID:     update.PreCheckoutQuery.From.ID,
			updateType: "pre_checkout_query",
		}
	case update.BusinessConnection != nil:
		return updateMeta{
			userID:     update.BusinessConnection.User.ID,
			updateType: "business_connection",
		}
	case update.BusinessMessage != nil:
		return updateMeta{
			userID:     userID(update.BusinessMessage.From),
			chatID:     chatID(&update.BusinessMessage.Chat),
			updateType: "business_message",
		}
	case update.EditedBusinessMessage != nil:
		return updateMeta{
			userID:     userID(update.EditedBusinessMessage.From),
			chatID:     chatID(&update.EditedBusinessMessage.Chat),
			updateType: "edited_business_message",
		}
	case update.DeletedBusinessMessages != nil:
		return updateMeta{
			chatID:     chatID(&update.DeletedBusinessMessages.Chat),
			updateType: "deleted_business_messages",
		}
	default:
		return updateMeta{updateType: "unknown"}
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func (c *Client) reply(ctx context.Context, s sender, chatID int64, text string) {
	if s == nil || chatID == 0 {
		return
	}

	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_send_failed",
			"chat_id": chatID,
		}).WithError(err).Warn("failed to send message")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func displayName(user *models.User) string {
	if user == nil {
		return ""
	}

	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return name
}

func chatID(chat *models.Chat) int64 {
	if chat == nil {
		return 0
	}

	return chat.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}

func (c *Client) connOwner(connectionID string) int64 {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connOwners[connectionID]
}

func (c *Client) setConnOwner(connectionID string, ownerID int64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.connOwners[connectionID] = ownerID
}
