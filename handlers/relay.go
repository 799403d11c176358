package handlers

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/database"
)

// relayFromOperator forwards the operator's message to the current target.
func (h *BotHandler) relayFromOperator(ctx context.Context, msg *tgbotapi.Message) {
	user, err := h.currentTarget(ctx)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoTarget):
			h.sendText(h.cfg.AdminID, "🤷 No conversation target. Use /chat <id> or the 💬 buttons to pick one.")
		case errors.Is(err, database.ErrNotFound):
			h.sendText(h.cfg.AdminID, "🤷 The selected user no longer exists. Target cleared.")
		case errors.Is(err, ErrTargetBlocked):
			h.sendText(h.cfg.AdminID, "🚫 The selected user is banned. Target cleared.")
		case errors.Is(err, ErrTargetUnverified):
			h.sendText(h.cfg.AdminID, "⏳ The selected user is not verified. Target cleared.")
		default:
			h.log.Error("validate target failed", "error", err)
			h.sendText(h.cfg.AdminID, "⚠️ Could not check the target right now. Try again.")
		}
		return
	}

	forward := tgbotapi.NewForward(user.TelegramID, msg.Chat.ID, msg.MessageID)
	if _, err := h.bot.Send(forward); err != nil {
		if isUnreachable(err) {
			h.log.Info("target unreachable, banning", "user_id", user.TelegramID)
			if err := h.banUnreachable(ctx, user.TelegramID); err != nil {
				h.log.Error("ban unreachable failed", "user_id", user.TelegramID, "error", err)
			}
			h.sendText(h.cfg.AdminID, fmt.Sprintf("🚫 %s disabled the bot. The user was banned and the target cleared.", user.Nickname))
			return
		}
		h.log.Error("forward to user failed", "user_id", user.TelegramID, "error", err)
		h.sendText(h.cfg.AdminID, "⚠️ Delivery failed. Try again.")
		return
	}

	h.session.Touch()
	h.sendTemp(h.cfg.AdminID, fmt.Sprintf("✉️ Delivered to %s", user.Nickname))
}

// relayFromUser forwards a verified user's message to the operator. Blocked
// and unverified senders never reach the operator; their messages are removed
// from the chat.
func (h *BotHandler) relayFromUser(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID

	var state string
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		blocked, err := h.db.IsBlocked(ctx, userID)
		if err != nil {
			return err
		}
		if blocked {
			state = "blocked"
			return nil
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
				state = "unverified"
				return nil
			}
		}
		state = "allowed"
		return h.db.TouchConversation(ctx, userID)
	})
	if err != nil {
		h.log.Error("relay from user failed", "user_id", userID, "error", err)
		h.sendText(userID, "⚠️ Could not deliver your message. Please try again.")
		return
	}

	switch state {
	case "blocked":
		h.deleteMessage(msg.Chat.ID, msg.MessageID)
		h.sendText(userID, "🚫 You are banned and cannot use this bot.")
		return
	case "unverified":
		h.deleteMessage(msg.Chat.ID, msg.MessageID)
		h.sendText(userID, "⏳ Please finish verification first. Use /start.")
		return
	}

	forward := tgbotapi.NewForward(h.cfg.AdminID, msg.Chat.ID, msg.MessageID)
	if _, err := h.bot.Send(forward); err != nil {
		h.log.Error("forward to operator failed", "user_id", userID, "error", err)
		h.sendText(userID, "⚠️ Could not deliver your message right now. Please try again later.")
		return
	}

	// Delivery from the active target also counts as conversation activity.
	if h.session.Target() == userID {
		h.session.Touch()
	}
	h.sendTemp(userID, "✉️ Delivered")
}
