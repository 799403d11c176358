package handlers

import (
	"context"
	"errors"
	"time"

	"telegram-relay/database"
)

var (
	// ErrAlreadyBlocked means a ban was requested for a user already on the
	// blacklist.
	ErrAlreadyBlocked = errors.New("user is already blocked")
	// ErrNotBlocked means an unban was requested for a user not on the
	// blacklist.
	ErrNotBlocked = errors.New("user is not blocked")
)

const (
	banReasonOperator     = "operator action"
	banReasonVerification = "failed verification"
	banReasonUnreachable  = "user disabled the bot"
)

// Ban blocks userID and resets its verification state, so a later unban
// starts the user from a clean slate.
func (h *BotHandler) Ban(ctx context.Context, userID int64, reason string) error {
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		return h.banTx(ctx, userID, reason)
	})
	if err != nil {
		return err
	}
	h.afterBan(userID)
	return nil
}

// banTx applies the ban mutations inside an already-open transaction.
func (h *BotHandler) banTx(ctx context.Context, userID int64, reason string) error {
	user, err := h.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsBlocked {
		return ErrAlreadyBlocked
	}
	if err := h.db.SetBlocked(ctx, userID, reason); err != nil {
		return err
	}
	// The verification row survives the ban but is wound back, keeping the
	// user invisible to the relay until a future unban re-challenges it.
	if err := h.db.ResetVerification(ctx, userID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	return nil
}

// afterBan drops the in-memory state tied to a now-banned user.
func (h *BotHandler) afterBan(userID int64) {
	h.verifyTimers.Cancel(userID)
	if h.session.ClearIf(userID) {
		h.log.Info("conversation target cleared by ban", "user_id", userID)
	}
}

// banUnreachable handles a 403 from Telegram: the user cut the channel, so
// the ban applies regardless of any remaining attempt budget.
func (h *BotHandler) banUnreachable(ctx context.Context, userID int64) error {
	err := h.Ban(ctx, userID, banReasonUnreachable)
	if err != nil && !errors.Is(err, ErrAlreadyBlocked) {
		return err
	}
	h.notifyBlocked(ctx, userID, banReasonUnreachable)
	return nil
}

// Unban removes userID from the blacklist and recreates its verification row
// from scratch, forgetting attempts, question and conversation history.
func (h *BotHandler) Unban(ctx context.Context, userID int64) error {
	err := h.db.WithTx(ctx, func(ctx context.Context) error {
		user, err := h.db.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.IsBlocked {
			return ErrNotBlocked
		}
		if err := h.db.DeleteVerification(ctx, userID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if err := h.db.UpsertVerification(ctx, &database.Verification{
			UserID:   userID,
			IssuedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := h.db.ClearBlocked(ctx, userID); err != nil {
			return err
		}
		if err := h.db.DeleteConversation(ctx, userID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.verifyTimers.Cancel(userID)
	h.session.ClearIf(userID)
	return nil
}
