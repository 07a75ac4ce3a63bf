package telegram

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_business_monitor_bot/internal/config"
)

type fakeBot struct {
	startedWith context.Context
}

func (f *fakeBot) Start(ctx context.Context) {
	f.startedWith = ctx
}

func TestNewClientCreatesBot(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	var gotToken string
	var gotOptions []bot.Option
	b := &fakeBot{}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		gotToken = token
		gotOptions = options
		return b, nil
	}

	cfg := config.Config{
		TelegramToken:     "token-123",
		MainAdminID:       842428912,
		SubscriptionPrice: 49,
		SubscriptionDays:  30,
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	client, err := NewClient(cfg, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if client == nil || client.bot == nil {
		t.Fatalf("expected client and bot to be initialized")
	}

	if gotToken != cfg.TelegramToken {
		t.Fatalf("expected token %q, got %q", cfg.TelegramToken, gotToken)
	}

	if len(gotOptions) != 3 {
		t.Fatalf("expected 3 bot options (allowed updates, default handler, error handler), got %d", len(gotOptions))
	}

	if client.mainAdminID != cfg.MainAdminID {
		t.Fatalf("expected main admin %d, got %d", cfg.MainAdminID, client.mainAdminID)
	}
	if client.subscriptionPrice != 49 || client.subscriptionDays != 30 {
		t.Fatalf("expected pricing from config, got price=%d days=%d", client.subscriptionPrice, client.subscriptionDays)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(config.Config{}, nil); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestNewClientPropagatesBotError(t *testing.T) {
	origCreateBot := createBot
	defer func() { createBot = origCreateBot }()

	expected := errors.New("boom")
	createBot = func(string, ...bot.Option) (botRunner, error) {
		return nil, expected
	}

	_, err := NewClient(config.Config{TelegramToken: "token"}, nil)
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestClientStartLogsAndUsesContext(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	client := &Client{
		bot:    &fakeBot{},
		logger: logrus.NewEntry(hookLogger),
	}

	ctx := context.Background()
	client.Start(ctx)

	if fb, ok := client.bot.(*fakeBot); ok {
		if fb.startedWith != ctx {
			t.Fatalf("expected bot to start with provided context")
		}
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries (start/stop), got %d", len(entries))
	}

	if entries[0].Data["event"] != "telegram_listen" {
		t.Fatalf("expected start log event, got %v", entries[0].Data["event"])
	}
	if entries[1].Data["event"] != "telegram_stopped" {
		t.Fatalf("expected stop log event, got %v", entries[1].Data["event"])
	}
}

func TestExtractUpdateMeta(t *testing.T) {
	tests := []struct {
		name   string
		update *models.Update
		want   updateMeta
	}{
		{
			name: "message",
			update: &models.Update{
				Message: &models.Message{
					From: &models.User{ID: 10},
					Chat: models.Chat{ID: 20},
					Text: "hello",
				},
			},
			want: updateMeta{userID: 10, chatID: 20, updateType: "message"},
		},
		{
			name: "callback query",
			update: &models.Update{
				CallbackQuery: &models.CallbackQuery{
					From: models.User{ID: 12},
					Data: "choice",
					Message: models.MaybeInaccessibleMessage{
						Type: models.MaybeInaccessibleMessageTypeMessage,
						Message: &models.Message{
							Chat: models.Chat{ID: 22},
						},
					},
				},
			},
			want: updateMeta{userID: 12, chatID: 22, updateType: "callback_query"},
		},
		{
			name: "pre checkout query",
			update: &models.Update{
				PreCheckoutQuery: &models.PreCheckoutQuery{
					From: &models.User{ID: 13},
				},
			},
			want: updateMeta{userID: 13, updateType: "pre_checkout_query"},
		},
		{
			name: "business connection",
			update: &models.Update{
				BusinessConnection: &models.BusinessConnection{
					User: models.User{ID: 14},
				},
			},
			want: updateMeta{userID: 14, updateType: "business_connection"},
		},
		{
			name: "business message",
			update: &models.Update{
				BusinessMessage: &models.Message{
					From: &models.User{ID: 15},
					Chat: models.Chat{ID: 25},
				},
			},
			want: updateMeta{userID: 15, chatID: 25, updateType: "business_message"},
		},
		{
			name: "edited business message",
			update: &models.Update{
				EditedBusinessMessage: &models.Message{
					From: &models.User{ID: 16},
					Chat: models.Chat{ID: 26},
				},
			},
			want: updateMeta{userID: 16, chatID: 26, updateType: "edited_business_message"},
		},
		{
			name: "deleted business messages",
			update: &models.Update{
				DeletedBusinessMessages: &models.BusinessMessagesDeleted{
					Chat: models.Chat{ID: 27},
				},
			},
			want: updateMeta{chatID: 27, updateType: "deleted_business_messages"},
		},
		{
			name:   "unknown",
			update: &models.Update{},
			want:   updateMeta{updateType: "unknown"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := extractUpdateMeta(tt.update)
			if got.userID != tt.want.userID || got.chatID != tt.want.chatID || got.updateType != tt.want.updateType {
				t.Fatalf("extractUpdateMeta() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
