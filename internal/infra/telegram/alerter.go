package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"subscription-engine/internal/config"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/metrics"
)

var _ adapter.OperatorAlerter = (*Alerter)(nil)

// sender is the part of tgbotapi.BotAPI the alerter needs.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

const alertCooldown = 10 * time.Minute

// Alerter sends operational changes to the operator chats. Without a token it
// only logs.
type Alerter struct {
	bot      sender
	chatIDs  []int64
	cooldown adapter.CooldownGate
	log      *zerolog.Logger
}

// NewAlerter connects to the Bot API when cfg has a token. cooldown may be nil;
// when set, repeated alerts for the same order and kind are suppressed.
func NewAlerter(cfg config.TelegramConfig, cooldown adapter.CooldownGate, logger *zerolog.Logger) (*Alerter, error) {
	l := logger.With().Str("component", "OperatorAlerter").Logger()
	a := &Alerter{chatIDs: cfg.ChatIDs, cooldown: cooldown, log: &l}
	if cfg.Token == "" {
		l.Info().Msg("telegram token not set, operator alerts are logged only")
		return a, nil
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram.chat_ids is required when a token is set")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a.bot = bot
	return a, nil
}

func (a *Alerter) Enabled() bool { return a.bot != nil }

// Alert is the event consumer. Non-operational changes are ignored.
func (a *Alerter) Alert(ctx context.Context, change model.StateChange) error {
	if !change.Kind.Operational() {
		return nil
	}
	kind := string(change.Kind)
	a.log.Warn().
		Str("kind", kind).
		Str("order_id", change.OrderID).
		Str("user_id", change.UserID).
		Str("source", string(change.Source)).
		Str("note", change.Note).
		Msg("operator alert")

	if a.bot == nil {
		metrics.IncOperatorAlert(kind, "disabled")
		return nil
	}
	if a.cooldown != nil {
		ok, err := a.cooldown.Acquire(ctx, "alert:"+kind+":"+change.OrderID, alertCooldown)
		if err != nil {
			a.log.Warn().Err(err).Msg("alert cooldown check failed")
		} else if !ok {
			metrics.IncOperatorAlert(kind, "suppressed")
			return nil
		}
	}

	text := formatAlert(change)
	var errs []error
	for _, id := range a.chatIDs {
		if _, err := a.bot.Send(tgbotapi.NewMessage(id, text)); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	if len(errs) > 0 {
		metrics.IncOperatorAlert(kind, "error")
		return errors.Join(errs...)
	}
	metrics.IncOperatorAlert(kind, "sent")
	return nil
}

func formatAlert(c model.StateChange) string {
	var b strings.Builder
	switch c.Kind {
	case model.ChangeUnknownOrder:
		b.WriteString("⚠️ Notification for an unknown order")
	case model.ChangeVerificationFailed:
		b.WriteString("🚨 Notification failed signature verification")
	case model.ChangeAmountMismatch:
		b.WriteString("🚨 Paid amount does not match the order")
	default:
		b.WriteString(string(c.Kind))
	}
	if c.OrderID != "" {
		fmt.Fprintf(&b, "\norder: %s", c.OrderID)
	}
	if c.UserID != "" {
		fmt.Fprintf(&b, "\nuser: %s", c.UserID)
	}
	if c.Source != "" {
		fmt.Fprintf(&b, "\nsource: %s", c.Source)
	}
	if c.Note != "" {
		fmt.Fprintf(&b, "\nnote: %s", c.Note)
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(&b, "\nat: %s", at.UTC().Format(time.RFC3339))
	return b.String()
}
