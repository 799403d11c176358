package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/database"
)

// pendingCommand is an operator button press still waiting for a user ID.
type pendingCommand int

const (
	pendingNone pendingCommand = iota
	pendingBan
	pendingUnban
	pendingChat
)

func (p pendingCommand) String() string {
	switch p {
	case pendingBan:
		return "ban"
	case pendingUnban:
		return "unban"
	case pendingChat:
		return "chat"
	default:
		return "none"
	}
}

// interactiveState serializes the operator's one-at-a-time ID prompts.
type interactiveState struct {
	mu       sync.Mutex
	pending  pendingCommand
	promptID int
}

// begin records a new pending prompt. Reports false when one is already open.
func (s *interactiveState) begin(cmd pendingCommand) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != pendingNone {
		return false
	}
	s.pending = cmd
	return true
}

func (s *interactiveState) setPrompt(messageID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptID = messageID
}

func (s *interactiveState) current() pendingCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// take clears the state and returns what was pending plus the prompt message
// to delete.
func (s *interactiveState) take() (pendingCommand, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, prompt := s.pending, s.promptID
	s.pending, s.promptID = pendingNone, 0
	return cmd, prompt
}

func (h *BotHandler) handleCommand(ctx context.Context, msg *tgbotapi.Message, isOperator bool) {
	if !isOperator {
		switch msg.Command() {
		case "start":
			h.startVerification(ctx, msg.From)
		default:
			h.sendText(msg.Chat.ID, "🤔 Unknown command. Use /start.")
		}
		return
	}

	arg := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		h.sendControlPanel()
	case "ban":
		h.commandBan(ctx, arg)
	case "unban":
		h.commandUnban(ctx, arg)
	case "chat":
		h.commandChat(ctx, arg)
	case "list":
		h.commandList(ctx)
	case "blacklist":
		h.commandBlacklist(ctx)
	case "status":
		h.commandStatus(ctx)
	case "clean":
		h.commandClean()
	case "count":
		h.commandCount(ctx)
	default:
		h.sendText(h.cfg.AdminID, "🤔 Unknown command. Use /start for the control panel.")
	}
}

func (h *BotHandler) sendControlPanel() {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚫 Ban", "request_ban"),
			tgbotapi.NewInlineKeyboardButtonData("♻️ Unban", "request_unban"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💬 Chat", "request_chat"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚷 Blacklist", "blacklist"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Status", "status"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🧹 Clean", "clean"),
			tgbotapi.NewInlineKeyboardButtonData("🔢 Count", "count"),
		),
	)
	if _, err := h.sendKeyboard(h.cfg.AdminID, "🛠 Control panel. Messages you type are forwarded to the current target.", keyboard); err != nil {
		h.log.Error("send control panel failed", "error", err)
	}
}

// promptForUserID opens the interactive ID prompt for a control panel button.
func (h *BotHandler) promptForUserID(cmd pendingCommand) {
	if !h.interact.begin(cmd) {
		h.sendText(h.cfg.AdminID, "⚠️ Finish or cancel the current operation first.")
		return
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", "cancel_user_id"),
		),
	)
	sent, err := h.sendKeyboard(h.cfg.AdminID, fmt.Sprintf("🔢 Send the user ID to %s:", cmd), keyboard)
	if err != nil {
		h.interact.take()
		return
	}
	h.interact.setPrompt(sent.MessageID)
}

func (h *BotHandler) cancelPendingInput(query *tgbotapi.CallbackQuery) {
	_, prompt := h.interact.take()
	if prompt != 0 {
		h.deleteMessage(h.cfg.AdminID, prompt)
	} else {
		h.deleteMessage(queryChatID(query), queryMessageID(query))
	}
	h.sendTemp(h.cfg.AdminID, "✖️ Cancelled")
}

// handlePendingInput consumes the operator's next plain message as the ID for
// the open prompt.
func (h *BotHandler) handlePendingInput(ctx context.Context, msg *tgbotapi.Message) {
	userID, err := strconv.ParseInt(strings.TrimSpace(msg.Text), 10, 64)
	if err != nil || userID <= 0 {
		h.sendText(h.cfg.AdminID, "⚠️ Send a numeric user ID, or press Cancel.")
		return
	}

	cmd, prompt := h.interact.take()
	if prompt != 0 {
		h.deleteMessage(h.cfg.AdminID, prompt)
	}

	switch cmd {
	case pendingBan:
		h.banUser(ctx, userID)
	case pendingUnban:
		h.unbanUser(ctx, userID)
	case pendingChat:
		h.chatWith(ctx, userID)
	}
}

func (h *BotHandler) commandBan(ctx context.Context, arg string) {
	userID, ok := h.parseUserIDArg(arg, pendingBan)
	if !ok {
		return
	}
	h.banUser(ctx, userID)
}

func (h *BotHandler) commandUnban(ctx context.Context, arg string) {
	userID, ok := h.parseUserIDArg(arg, pendingUnban)
	if !ok {
		return
	}
	h.unbanUser(ctx, userID)
}

func (h *BotHandler) commandChat(ctx context.Context, arg string) {
	userID, ok := h.parseUserIDArg(arg, pendingChat)
	if !ok {
		return
	}
	h.chatWith(ctx, userID)
}

// parseUserIDArg parses the command argument, falling back to the interactive
// prompt when the argument is absent.
func (h *BotHandler) parseUserIDArg(arg string, cmd pendingCommand) (int64, bool) {
	if arg == "" {
		h.promptForUserID(cmd)
		return 0, false
	}
	userID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || userID <= 0 {
		h.sendText(h.cfg.AdminID, "⚠️ That is not a valid user ID.")
		return 0, false
	}
	return userID, true
}

func (h *BotHandler) banUser(ctx context.Context, userID int64) {
	if userID == h.cfg.AdminID {
		h.sendText(h.cfg.AdminID, "🙃 You cannot ban yourself.")
		return
	}
	err := h.Ban(ctx, userID, banReasonOperator)
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🤷 User %d is not registered.", userID))
	case errors.Is(err, ErrAlreadyBlocked):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🚫 User %d is already banned.", userID))
	case err != nil:
		h.log.Error("ban failed", "user_id", userID, "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Ban failed. Try again.")
	default:
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("♻️ Unban", fmt.Sprintf("cb_unban_%d", userID)),
			),
		)
		h.sendKeyboard(h.cfg.AdminID, fmt.Sprintf("🚫 User %d banned.", userID), keyboard)
	}
}

func (h *BotHandler) unbanUser(ctx context.Context, userID int64) {
	err := h.Unban(ctx, userID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🤷 User %d is not registered.", userID))
	case errors.Is(err, ErrNotBlocked):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🤔 User %d is not banned.", userID))
	case err != nil:
		h.log.Error("unban failed", "user_id", userID, "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Unban failed. Try again.")
	default:
		h.sendText(h.cfg.AdminID, fmt.Sprintf("♻️ User %d unbanned. They must verify again before messaging you.", userID))
	}
}

func (h *BotHandler) chatWith(ctx context.Context, userID int64) {
	user, err := h.switchTarget(ctx, userID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🤷 User %d is not registered.", userID))
	case errors.Is(err, ErrTargetBlocked):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("🚫 User %d is banned. Unban them first.", userID))
	case errors.Is(err, ErrTargetUnverified):
		h.sendText(h.cfg.AdminID, fmt.Sprintf("⏳ User %d has not passed verification yet.", userID))
	case err != nil:
		h.log.Error("switch target failed", "user_id", userID, "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not switch target. Try again.")
	default:
		h.sendText(h.cfg.AdminID, fmt.Sprintf("💬 Now chatting with %s. Messages you type are forwarded.", user.Nickname))
	}
}

func (h *BotHandler) commandList(ctx context.Context) {
	users, err := h.db.RecentVerified(ctx, recentVerified)
	if err != nil {
		h.log.Error("list verified failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not load the list. Try again.")
		return
	}
	if len(users) == 0 {
		h.sendText(h.cfg.AdminID, "📋 No verified users yet.")
		return
	}
	for _, user := range users {
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🚫 Ban", fmt.Sprintf("confirm_ban_%d", user.TelegramID)),
				tgbotapi.NewInlineKeyboardButtonData("💬 Chat", fmt.Sprintf("cb_switch_%d", user.TelegramID)),
			),
		)
		h.sendKeyboard(h.cfg.AdminID, "📋 "+user.Format(false), keyboard)
	}
}

func (h *BotHandler) commandBlacklist(ctx context.Context) {
	users, err := h.db.RecentBlocked(ctx, recentBlocked)
	if err != nil {
		h.log.Error("list blocked failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not load the blacklist. Try again.")
		return
	}
	if len(users) == 0 {
		h.sendText(h.cfg.AdminID, "🚷 The blacklist is empty.")
		return
	}
	for _, user := range users {
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("♻️ Unban", fmt.Sprintf("cb_unban_%d", user.TelegramID)),
			),
		)
		h.sendKeyboard(h.cfg.AdminID, "🚷 "+user.Format(true), keyboard)
	}
}

func (h *BotHandler) commandStatus(ctx context.Context) {
	user, err := h.currentTarget(ctx)
	switch {
	case errors.Is(err, ErrNoTarget):
		h.sendText(h.cfg.AdminID, "ℹ️ No conversation target selected.")
		return
	case err != nil && isTransient(err):
		// The target is still set; only the check failed.
		h.log.Error("status check failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not check the target right now. Try again.")
		return
	case err != nil:
		h.sendText(h.cfg.AdminID, "ℹ️ No conversation target selected.")
		return
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Reset", "reset_chat"),
		),
	)
	h.sendKeyboard(h.cfg.AdminID, fmt.Sprintf("ℹ️ Current conversation target:\n\n%s", user.Format(false)), keyboard)
}

func (h *BotHandler) commandClean() {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Yes, wipe", "confirm_clean"),
			tgbotapi.NewInlineKeyboardButtonData("✖️ Cancel", "cancel_clean"),
		),
	)
	if _, err := h.sendKeyboard(h.cfg.AdminID, "🧹 Delete ALL users, verifications and conversations? This cannot be undone.", keyboard); err != nil {
		h.log.Error("send clean confirmation failed", "error", err)
	}
}

func (h *BotHandler) confirmClean(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if err := h.db.Wipe(ctx); err != nil {
		h.log.Error("wipe failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Wipe failed. Try again.")
		return
	}
	h.session.Clear()
	h.verifyTimers.CancelAll()
	h.interact.take()
	h.deleteMessage(queryChatID(query), queryMessageID(query))
	h.sendText(h.cfg.AdminID, "🧹 Database wiped. All users must register again.")
}

func (h *BotHandler) commandCount(ctx context.Context) {
	stats, err := h.db.CountStats(ctx)
	if err != nil {
		h.log.Error("count failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not load stats. Try again.")
		return
	}
	settings, err := h.db.GetSettings(ctx)
	if err != nil {
		h.log.Error("load settings failed", "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Could not load stats. Try again.")
		return
	}
	verification := "off"
	if settings.VerificationEnabled {
		verification = fmt.Sprintf("on (difficulty %d)", settings.Difficulty)
	}
	h.sendText(h.cfg.AdminID, fmt.Sprintf(
		"🔢 Stats:\n\nTotal users: %d\nNew today: %d\nVerified: %d\nBanned: %d\nVerification: %s",
		stats.TotalUsers, stats.NewToday, stats.VerifiedUsers, stats.BlockedUsers, verification,
	))
}

func (h *BotHandler) resetChat(query *tgbotapi.CallbackQuery) {
	if cleared := h.session.Clear(); cleared != 0 {
		h.sendText(h.cfg.AdminID, "🔄 Conversation target reset.")
	} else {
		h.sendText(h.cfg.AdminID, "ℹ️ No conversation target selected.")
	}
	h.deleteMessage(queryChatID(query), queryMessageID(query))
}

func (h *BotHandler) banFromCallback(ctx context.Context, query *tgbotapi.CallbackQuery, rawID string) {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return
	}
	h.deleteMessage(queryChatID(query), queryMessageID(query))
	h.banUser(ctx, userID)
}

func (h *BotHandler) unbanFromCallback(ctx context.Context, query *tgbotapi.CallbackQuery, rawID string) {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return
	}
	h.deleteMessage(queryChatID(query), queryMessageID(query))
	h.unbanUser(ctx, userID)
}

func (h *BotHandler) switchFromCallback(ctx context.Context, rawID string) {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return
	}
	h.chatWith(ctx, userID)
}
