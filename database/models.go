package database

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User is one end user that has contacted the bot. The operator never has a
// row here.
type User struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	TelegramID  int64              `bson:"telegram_id"`
	Nickname    string             `bson:"nickname"`
	Username    string             `bson:"username,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	IsBlocked   bool               `bson:"is_blocked"`
	BlockReason string             `bson:"block_reason,omitempty"`
	BlockedAt   *time.Time         `bson:"blocked_at,omitempty"`
}

// Format renders a user card for operator-facing messages.
func (u *User) Format(blocked bool) string {
	username := "none"
	if u.Username != "" {
		username = "@" + u.Username
	}
	info := fmt.Sprintf(
		"ID: %d\nName: %s\nUsername: %s\nProfile: tg://user?id=%d\nRegistered: %s",
		u.TelegramID,
		u.Nickname,
		username,
		u.TelegramID,
		u.CreatedAt.Format("2006-01-02 15:04"),
	)
	if blocked && u.BlockedAt != nil {
		reason := u.BlockReason
		if reason == "" {
			reason = "none"
		}
		info += fmt.Sprintf("\nBlocked at: %s\nReason: %s", u.BlockedAt.Format("2006-01-02 15:04"), reason)
	}
	return info
}

// Verification is the per-user challenge row, one active row per user.
// MessageID references the editable challenge message; 0 means none
// outstanding.
type Verification struct {
	UserID     int64     `bson:"user_id"`
	Question   string    `bson:"question"`
	Answer     float64   `bson:"answer"`
	Options    []float64 `bson:"options"`
	Verified   bool      `bson:"verified"`
	IssuedAt   time.Time `bson:"issued_at"`
	ErrorCount int       `bson:"error_count"`
	MessageID  int       `bson:"message_id,omitempty"`
}

// Conversation tracks when a user last wrote. Informational only, never
// consulted for authorization.
type Conversation struct {
	UserID        int64     `bson:"user_id"`
	LastMessageAt time.Time `bson:"last_message_at"`
}

// Settings are the global toggles, stored as a single document.
type Settings struct {
	VerificationEnabled bool `bson:"verification_enabled"`
	Difficulty          int  `bson:"verification_difficulty"`
}

// Stats is the aggregate counters shown by /count.
type Stats struct {
	TotalUsers    int64
	NewToday      int64
	BlockedUsers  int64
	VerifiedUsers int64
}
