// Package handlers contains all Telegram update handling: the verification
// gate, the operator's relay session and the command surface.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/config"
	"telegram-relay/database"
)

const (
	updateTimeout  = 30 * time.Second
	tempMessageTTL = 5 * time.Second
	recentVerified = 3
	recentBlocked  = 5
)

// Transport is the slice of the Telegram API the handlers use. Satisfied by
// *tgbotapi.BotAPI; tests substitute a fake.
type Transport interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BotHandler routes every incoming update. One instance serves all updates;
// each update runs on its own goroutine, so all mutable state is behind the
// session, timer and interaction locks.
type BotHandler struct {
	bot Transport
	db  database.Store
	cfg *config.Config
	log *slog.Logger

	session      *Session
	verifyTimers *timerSet
	interact     *interactiveState
}

func NewBotHandler(bot Transport, db database.Store, cfg *config.Config, log *slog.Logger) *BotHandler {
	h := &BotHandler{
		bot:          bot,
		db:           db,
		cfg:          cfg,
		log:          log,
		verifyTimers: newTimerSet(),
		interact:     &interactiveState{},
	}
	h.session = NewSession(cfg.ChatTimeout, h.onSessionExpired)
	return h
}

// HandleUpdate is the entry point for one Telegram update.
func (h *BotHandler) HandleUpdate(update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
}

// Shutdown cancels outstanding timers. In-flight updates finish on their own.
func (h *BotHandler) Shutdown() {
	h.session.Clear()
	h.verifyTimers.CancelAll()
}

func (h *BotHandler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	isOperator := msg.From.ID == h.cfg.AdminID

	if msg.IsCommand() {
		h.handleCommand(ctx, msg, isOperator)
		return
	}

	if isOperator {
		if h.interact.current() != pendingNone {
			h.handlePendingInput(ctx, msg)
			return
		}
		h.relayFromOperator(ctx, msg)
		return
	}
	h.relayFromUser(ctx, msg)
}

func (h *BotHandler) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.From == nil {
		return
	}
	h.answerCallback(query.ID)

	data := query.Data
	if userID, answer, ok := parseVerifyData(data); ok {
		h.handleVerifyCallback(ctx, query, userID, answer)
		return
	}

	// Everything below is the operator's control surface.
	if query.From.ID != h.cfg.AdminID {
		return
	}

	switch {
	case data == "request_ban":
		h.promptForUserID(pendingBan)
	case data == "request_unban":
		h.promptForUserID(pendingUnban)
	case data == "request_chat":
		h.promptForUserID(pendingChat)
	case data == "cancel_user_id":
		h.cancelPendingInput(query)
	case data == "list":
		h.commandList(ctx)
	case data == "blacklist":
		h.commandBlacklist(ctx)
	case data == "status":
		h.commandStatus(ctx)
	case data == "clean":
		h.commandClean()
	case data == "count":
		h.commandCount(ctx)
	case data == "confirm_clean":
		h.confirmClean(ctx, query)
	case data == "cancel_clean":
		h.deleteMessage(queryChatID(query), queryMessageID(query))
	case data == "reset_chat":
		h.resetChat(query)
	case strings.HasPrefix(data, "confirm_ban_"):
		h.banFromCallback(ctx, query, strings.TrimPrefix(data, "confirm_ban_"))
	case strings.HasPrefix(data, "cancel_ban_"):
		h.deleteMessage(queryChatID(query), queryMessageID(query))
	case strings.HasPrefix(data, "cb_unban_"):
		h.unbanFromCallback(ctx, query, strings.TrimPrefix(data, "cb_unban_"))
	case strings.HasPrefix(data, "cb_switch_"):
		h.switchFromCallback(ctx, strings.TrimPrefix(data, "cb_switch_"))
	default:
		h.log.Debug("unknown callback", "data", data)
	}
}

// parseVerifyData decodes "verify_<userID>_<answer>" button payloads.
func parseVerifyData(data string) (userID int64, answer float64, ok bool) {
	if !strings.HasPrefix(data, "verify_") {
		return 0, 0, false
	}
	parts := strings.SplitN(strings.TrimPrefix(data, "verify_"), "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	answer, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return userID, answer, true
}

// switchTarget validates userID and points the session at it. The target must
// exist, be unblocked and, while verification is on, be verified.
func (h *BotHandler) switchTarget(ctx context.Context, userID int64) (*database.User, error) {
	user, err := h.validateTarget(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Switching supersedes any open ID prompt.
	if _, prompt := h.interact.take(); prompt != 0 {
		h.deleteMessage(h.cfg.AdminID, prompt)
	}
	h.session.Set(userID)
	return user, nil
}

// currentTarget revalidates the stored target before each use. A target that
// went missing or got blocked since selection is dropped.
func (h *BotHandler) currentTarget(ctx context.Context) (*database.User, error) {
	target := h.session.Target()
	if target == 0 {
		return nil, ErrNoTarget
	}
	user, err := h.validateTarget(ctx, target)
	if err != nil {
		if !isTransient(err) {
			h.session.ClearIf(target)
		}
		return nil, err
	}
	return user, nil
}

func (h *BotHandler) validateTarget(ctx context.Context, userID int64) (*database.User, error) {
	var user *database.User
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		u, err := h.db.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.IsBlocked {
			return ErrTargetBlocked
		}
		settings, err := h.db.GetSettings(ctx)
		if err != nil {
			return err
		}
		if settings.VerificationEnabled {
			verified, err := h.db.IsVerified(ctx, userID)
			if err != nil {
				return err
			}
			if !verified {
				return ErrTargetUnverified
			}
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// isTransient reports whether err is an infrastructure failure rather than a
// definite answer about the target's state.
func isTransient(err error) bool {
	return !errors.Is(err, database.ErrNotFound) &&
		!errors.Is(err, ErrTargetBlocked) &&
		!errors.Is(err, ErrTargetUnverified)
}

func (h *BotHandler) onSessionExpired(target int64) {
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	name := fmt.Sprintf("%d", target)
	if user, err := h.db.GetUser(ctx, target); err == nil {
		name = user.Nickname
	}
	h.log.Info("conversation target expired", "user_id", target)
	h.sendText(h.cfg.AdminID, fmt.Sprintf("⏰ Conversation with %s timed out. No current target.", name))
}

// isUnreachable reports whether err means the recipient can no longer be
// reached (blocked the bot or deactivated the account).
func isUnreachable(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 403
	}
	return err != nil && strings.Contains(err.Error(), "Forbidden")
}

func (h *BotHandler) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.bot.Send(msg); err != nil {
		h.log.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func (h *BotHandler) sendKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	sent, err := h.bot.Send(msg)
	if err != nil {
		h.log.Error("send failed", "chat_id", chatID, "error", err)
	}
	return sent, err
}

// sendTemp sends a short-lived notice and deletes it after tempMessageTTL.
func (h *BotHandler) sendTemp(chatID int64, text string) {
	sent, err := h.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return
	}
	time.AfterFunc(tempMessageTTL, func() {
		h.deleteMessage(chatID, sent.MessageID)
	})
}

func (h *BotHandler) deleteMessage(chatID int64, messageID int) {
	if chatID == 0 || messageID == 0 {
		return
	}
	if _, err := h.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		h.log.Debug("delete failed", "chat_id", chatID, "message_id", messageID, "error", err)
	}
}

func (h *BotHandler) editText(chatID int64, messageID int, text string) error {
	_, err := h.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	return err
}

func (h *BotHandler) answerCallback(queryID string) {
	if _, err := h.bot.Request(tgbotapi.NewCallback(queryID, "")); err != nil {
		h.log.Debug("answer callback failed", "error", err)
	}
}

func queryChatID(query *tgbotapi.CallbackQuery) int64 {
	if query.Message == nil || query.Message.Chat == nil {
		return 0
	}
	return query.Message.Chat.ID
}

func queryMessageID(query *tgbotapi.CallbackQuery) int {
	if query.Message == nil {
		return 0
	}
	return query.Message.MessageID
}
