package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/database"
	"telegram-relay/verification"
)

// maxAttempts is the per-challenge-cycle failure budget. Wrong answers and
// deadline expiries both consume it; exhausting it blocks the user.
const maxAttempts = 3

// startVerification handles /start from a regular user: register the user and
// issue a challenge unless one is already pending or passed.
func (h *BotHandler) startVerification(ctx context.Context, from *tgbotapi.User) {
	userID := from.ID

	var (
		v     *database.Verification
		state string
	)
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		blocked, err := h.db.IsBlocked(ctx, userID)
		if err != nil {
			return err
		}
		if blocked {
			state = "blocked"
			return nil
		}

		if err := h.db.UpsertUser(ctx, &database.User{
			TelegramID: userID,
			Nickname:   from.FirstName,
			Username:   from.UserName,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}

		settings, err := h.db.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !settings.VerificationEnabled {
			state = "open"
			return nil
		}

		v, err = h.db.GetVerification(ctx, userID)
		switch {
		case errors.Is(err, database.ErrNotFound):
			v = &database.Verification{UserID: userID, IssuedAt: time.Now().UTC()}
			if err := h.db.UpsertVerification(ctx, v); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		switch {
		case v.Verified:
			state = "verified"
		case v.MessageID != 0:
			state = "pending"
		default:
			state = "challenge"
		}
		return nil
	})
	if err != nil {
		h.log.Error("start verification failed", "user_id", userID, "error", err)
		h.sendText(userID, "⚠️ Something went wrong. Please try again in a moment.")
		return
	}

	switch state {
	case "blocked":
		h.sendText(userID, "🚫 You are banned and cannot use this bot.")
	case "open":
		h.sendText(userID, "👋 Welcome! Just send your message and it will be delivered.")
	case "verified":
		h.sendText(userID, "✅ You are already verified. Send your message and it will be delivered.")
	case "pending":
		remaining := maxAttempts - v.ErrorCount
		h.sendText(userID, fmt.Sprintf("🧮 You already have an open challenge. Answer it first (%d attempt(s) left).", remaining))
	case "challenge":
		if err := h.issueChallenge(ctx, v, "👋 Welcome! Solve this to prove you are human:"); err != nil {
			h.log.Error("issue challenge failed", "user_id", userID, "error", err)
		}
	}
}

// issueChallenge generates a fresh question, delivers it (editing the
// previous challenge message when one exists) and arms the answer deadline.
func (h *BotHandler) issueChallenge(ctx context.Context, v *database.Verification, prompt string) error {
	ch, err := verification.Generate()
	if err != nil {
		h.sendText(v.UserID, "⚠️ Could not prepare a challenge. Please try /start again later.")
		return err
	}

	v.Question = ch.Question
	v.Answer = ch.Answer
	v.Options = ch.Options
	v.IssuedAt = time.Now().UTC()

	remaining := maxAttempts - v.ErrorCount
	text := fmt.Sprintf("%s\n\n%s = ?\n\nRound to two decimals. Attempts left: %d", prompt, ch.Question, remaining)
	keyboard := challengeKeyboard(v.UserID, ch.Options)

	delivered := false
	if v.MessageID != 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(v.UserID, v.MessageID, text, keyboard)
		if _, err := h.bot.Send(edit); err == nil {
			delivered = true
		} else if isUnreachable(err) {
			return h.banUnreachable(ctx, v.UserID)
		} else {
			h.log.Warn("edit challenge failed, sending new", "user_id", v.UserID, "error", err)
			v.MessageID = 0
		}
	}
	if !delivered {
		sent, err := h.sendKeyboard(v.UserID, text, keyboard)
		if err != nil {
			if isUnreachable(err) {
				return h.banUnreachable(ctx, v.UserID)
			}
			return err
		}
		v.MessageID = sent.MessageID
	}

	if err := h.db.UpsertVerification(ctx, v); err != nil {
		return err
	}
	h.verifyTimers.Arm(v.UserID, h.cfg.VerificationTimeout, func() {
		h.onChallengeExpired(v.UserID)
	})
	return nil
}

func challengeKeyboard(userID int64, options []float64) tgbotapi.InlineKeyboardMarkup {
	labels := []string{"A", "B", "C", "D"}
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, opt := range options {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("%s: %.2f", labels[i%len(labels)], opt),
			fmt.Sprintf("verify_%d_%.2f", userID, opt),
		))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

type verifyOutcome int

const (
	outcomeNone verifyOutcome = iota
	outcomeVerified
	outcomeAlreadyVerified
	outcomeRetry
	outcomeBlocked
	outcomeStale
	outcomeMissing
)

// handleVerifyCallback processes one pressed answer button.
func (h *BotHandler) handleVerifyCallback(ctx context.Context, query *tgbotapi.CallbackQuery, targetID int64, answer float64) {
	if query.From.ID != targetID {
		return
	}

	var (
		outcome verifyOutcome
		v       *database.Verification
	)
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		v, err = h.db.GetVerification(ctx, targetID)
		if errors.Is(err, database.ErrNotFound) {
			outcome = outcomeMissing
			return nil
		}
		if err != nil {
			return err
		}
		if v.Verified {
			outcome = outcomeAlreadyVerified
			return nil
		}
		// Only buttons on the live challenge message count. A press on an
		// old, superseded message neither verifies nor consumes an attempt.
		if v.MessageID == 0 || v.MessageID != queryMessageID(query) {
			outcome = outcomeStale
			return nil
		}

		if math.Abs(v.Answer-answer) < verification.AnswerEpsilon {
			if err := h.db.MarkVerified(ctx, targetID); err != nil {
				return err
			}
			outcome = outcomeVerified
			return nil
		}
		return h.recordFailure(ctx, v, &outcome)
	})
	if err != nil {
		h.log.Error("verify callback failed", "user_id", targetID, "error", err)
		return
	}

	switch outcome {
	case outcomeMissing:
		h.sendText(targetID, "🤔 No active challenge. Use /start to begin.")
	case outcomeAlreadyVerified:
		// Duplicate press, nothing to change.
	case outcomeStale:
		h.sendText(targetID, "⌛ That challenge is no longer active. Use /start for a fresh one.")
	case outcomeVerified:
		h.verifyTimers.Cancel(targetID)
		if err := h.editText(targetID, v.MessageID, "✅ Verified! You can now message the operator. Just type your message."); err != nil {
			h.log.Debug("edit success message failed", "user_id", targetID, "error", err)
		}
		h.notifyVerified(ctx, targetID, v.ErrorCount)
	case outcomeRetry:
		if err := h.issueChallenge(ctx, v, "❌ Wrong answer. Here is a new question:"); err != nil {
			h.log.Error("reissue challenge failed", "user_id", targetID, "error", err)
		}
	case outcomeBlocked:
		h.afterBan(targetID)
		if err := h.editText(targetID, v.MessageID, "🚫 Verification failed. You have been banned."); err != nil {
			h.log.Debug("edit failure message failed", "user_id", targetID, "error", err)
		}
		h.notifyBlocked(ctx, targetID, banReasonVerification)
	}
}

// onChallengeExpired fires when the answer deadline passes. The row is
// re-read so a press that beat the timer wins.
func (h *BotHandler) onChallengeExpired(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	var (
		outcome verifyOutcome
		v       *database.Verification
	)
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		v, err = h.db.GetVerification(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if v.Verified || v.MessageID == 0 {
			return nil
		}
		return h.recordFailure(ctx, v, &outcome)
	})
	if err != nil {
		h.log.Error("challenge expiry failed", "user_id", userID, "error", err)
		return
	}

	switch outcome {
	case outcomeRetry:
		if err := h.issueChallenge(ctx, v, "⏰ Time is up. Here is a new question:"); err != nil {
			h.log.Error("reissue challenge failed", "user_id", userID, "error", err)
		}
	case outcomeBlocked:
		h.afterBan(userID)
		if err := h.editText(userID, v.MessageID, "🚫 Verification failed. You have been banned."); err != nil {
			h.log.Debug("edit failure message failed", "user_id", userID, "error", err)
		}
		h.notifyBlocked(ctx, userID, banReasonVerification)
	}
}

// recordFailure consumes one attempt inside the enclosing transaction and
// bans the user when the budget runs out.
func (h *BotHandler) recordFailure(ctx context.Context, v *database.Verification, outcome *verifyOutcome) error {
	v.ErrorCount++
	if maxAttempts-v.ErrorCount <= 0 {
		if err := h.banTx(ctx, v.UserID, banReasonVerification); err != nil && !errors.Is(err, ErrAlreadyBlocked) {
			return err
		}
		*outcome = outcomeBlocked
		return nil
	}
	*outcome = outcomeRetry
	return h.db.UpsertVerification(ctx, v)
}

// notifyVerified tells the operator about a fresh verification and, when no
// conversation is active, selects the user as the current target.
func (h *BotHandler) notifyVerified(ctx context.Context, userID int64, errorCount int) {
	user, err := h.db.GetUser(ctx, userID)
	if err != nil {
		h.log.Error("load verified user failed", "user_id", userID, "error", err)
		return
	}

	autoSelected := false
	if h.session.Target() == 0 {
		if _, err := h.switchTarget(ctx, userID); err == nil {
			autoSelected = true
		}
	}

	text := fmt.Sprintf("✅ User verified (after %d failed attempt(s)):\n\n%s", errorCount, user.Format(false))
	if autoSelected {
		text += "\n\n💬 Selected as the current conversation target."
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚫 Ban", fmt.Sprintf("confirm_ban_%d", userID)),
			tgbotapi.NewInlineKeyboardButtonData("💬 Chat", fmt.Sprintf("cb_switch_%d", userID)),
		),
	)
	if _, err := h.sendKeyboard(h.cfg.AdminID, text, keyboard); err != nil {
		h.log.Error("notify operator failed", "error", err)
	}
}

// notifyBlocked tells the operator a user was auto-banned.
func (h *BotHandler) notifyBlocked(ctx context.Context, userID int64, reason string) {
	card := fmt.Sprintf("ID: %d", userID)
	if user, err := h.db.GetUser(ctx, userID); err == nil {
		card = user.Format(true)
	}
	text := fmt.Sprintf("🚫 User banned (%s):\n\n%s", reason, card)
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("♻️ Unban", fmt.Sprintf("cb_unban_%d", userID)),
		),
	)
	if _, err := h.sendKeyboard(h.cfg.AdminID, text, keyboard); err != nil {
		h.log.Error("notify operator failed", "error", err)
	}
}
