package verification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/opensource-finance/harrier/internal/domain"
)

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts pending evaluations to a Telegram chat and accepts
// /approve and /reject commands from it.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	sender messageSender
	chatID int64
}

// NewTelegramNotifier connects to the Bot API.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, sender: bot, chatID: chatID}, nil
}

// NotifyPending implements Notifier.
func (n *TelegramNotifier) NotifyPending(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	msg := tgbotapi.NewMessage(n.chatID, formatPending(tenantID, eval))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Listen handles /approve and /reject commands from the configured chat
// until ctx is cancelled. It returns immediately.
func (n *TelegramNotifier) Listen(ctx context.Context, gate *Gate) {
	if n.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := n.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				n.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := update.Message
				if msg == nil || msg.Chat == nil || !msg.IsCommand() || msg.Chat.ID != n.chatID {
					continue
				}
				reply := n.handleCommand(ctx, gate, msg.Command(), msg.CommandArguments(), reviewerName(msg))
				n.sender.Send(tgbotapi.NewMessage(n.chatID, reply)) //nolint:errcheck
			}
		}
	}()
}

// handleCommand runs "/approve <tenant> <evaluation>" or "/reject ..." and
// returns the reply text.
func (n *TelegramNotifier) handleCommand(ctx context.Context, gate *Gate, command, args, reviewer string) string {
	var resolve func(context.Context, string, string, string) (*domain.Evaluation, error)
	switch command {
	case "approve":
		resolve = gate.Approve
	case "reject":
		resolve = gate.Reject
	default:
		return "Unknown command. Use /approve <tenant> <evaluation> or /reject <tenant> <evaluation>."
	}

	fields := strings.Fields(args)
	if len(fields) != 2 {
		return fmt.Sprintf("Usage: /%s <tenant> <evaluation>", command)
	}

	eval, err := resolve(ctx, fields[0], fields[1], reviewer)
	if err != nil {
		slog.Warn("telegram verification command failed",
			"command", command,
			"tenant_id", fields[0],
			"evaluation_id", fields[1],
			"error", err,
		)
		return fmt.Sprintf("Could not %s %s: %v", command, fields[1], err)
	}
	return fmt.Sprintf("Evaluation %s for %s is now %s.", eval.ID, eval.Decision.AgentID, eval.Verification)
}

func reviewerName(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "telegram"
	}
	if msg.From.UserName != "" {
		return "telegram:" + msg.From.UserName
	}
	return fmt.Sprintf("telegram:%d", msg.From.ID)
}

func formatPending(tenantID string, eval *domain.Evaluation) string {
	var b strings.Builder
	b.WriteString("🛑 *Trade held for verification*\n\n")
	fmt.Fprintf(&b, "Tenant: `%s`\n", escapeMarkdownV2(tenantID))
	fmt.Fprintf(&b, "Evaluation: `%s`\n", escapeMarkdownV2(eval.ID))
	fmt.Fprintf(&b, "Agent: %s\n", escapeMarkdownV2(eval.Decision.AgentID))
	fmt.Fprintf(&b, "Reputation: %d\n", eval.Decision.ReputationScore)
	if eval.Decision.IsAnomaly {
		fmt.Fprintf(&b, "Anomaly: %s\n", escapeMarkdownV2(eval.TriggeredCheck))
	}
	for _, r := range eval.ReviewReasons {
		fmt.Fprintf(&b, "Review: %s\n", escapeMarkdownV2(r))
	}
	fmt.Fprintf(&b, "\n/approve %s %s\n", escapeMarkdownV2(tenantID), escapeMarkdownV2(eval.ID))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
