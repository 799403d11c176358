package handlers

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-relay/config"
	"telegram-relay/database"
)

const testAdminID int64 = 1000

// fakeStore is an in-memory database.Store. Methods copy rows in and out so
// callers never alias store state.
type fakeStore struct {
	mu            sync.Mutex
	users         map[int64]*database.User
	verifications map[int64]*database.Verification
	conversations map[int64]time.Time
	settings      database.Settings
	getUserErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[int64]*database.User),
		verifications: make(map[int64]*database.Verification),
		conversations: make(map[int64]time.Time),
		settings:      database.Settings{VerificationEnabled: true, Difficulty: 2},
	}
}

func (s *fakeStore) UpsertUser(_ context.Context, u *database.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.TelegramID]; ok {
		existing.Nickname = u.Nickname
		existing.Username = u.Username
		return nil
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.users[u.TelegramID] = &cp
	return nil
}

// failGetUser makes every GetUser call fail, simulating store trouble.
func (s *fakeStore) failGetUser(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getUserErr = err
}

func (s *fakeStore) GetUser(_ context.Context, userID int64) (*database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getUserErr != nil {
		return nil, s.getUserErr
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) SetBlocked(_ context.Context, userID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	u.IsBlocked = true
	u.BlockReason = reason
	u.BlockedAt = &now
	return nil
}

func (s *fakeStore) ClearBlocked(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.IsBlocked = false
	u.BlockReason = ""
	u.BlockedAt = nil
	return nil
}

func (s *fakeStore) IsBlocked(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	return u.IsBlocked, nil
}

func (s *fakeStore) UpsertVerification(_ context.Context, v *database.Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	cp.Options = append([]float64(nil), v.Options...)
	s.verifications[v.UserID] = &cp
	return nil
}

func (s *fakeStore) GetVerification(_ context.Context, userID int64) (*database.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *v
	cp.Options = append([]float64(nil), v.Options...)
	return &cp, nil
}

func (s *fakeStore) DeleteVerification(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verifications[userID]; !ok {
		return database.ErrNotFound
	}
	delete(s.verifications, userID)
	return nil
}

func (s *fakeStore) ResetVerification(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[userID]
	if !ok {
		return database.ErrNotFound
	}
	v.Verified = false
	v.ErrorCount = 0
	v.MessageID = 0
	return nil
}

func (s *fakeStore) MarkVerified(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[userID]
	if !ok {
		return database.ErrNotFound
	}
	v.Verified = true
	v.MessageID = 0
	return nil
}

func (s *fakeStore) IsVerified(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verifications[userID]
	if !ok {
		return false, nil
	}
	return v.Verified, nil
}

func (s *fakeStore) TouchConversation(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[userID] = time.Now().UTC()
	return nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
	return nil
}

func (s *fakeStore) GetSettings(_ context.Context) (*database.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.settings
	return &cp, nil
}

func (s *fakeStore) SetVerificationEnabled(_ context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.VerificationEnabled = enabled
	return nil
}

func (s *fakeStore) SetVerificationDifficulty(_ context.Context, difficulty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Difficulty = difficulty
	return nil
}

func (s *fakeStore) RecentVerified(_ context.Context, limit int) ([]database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.User
	for id, v := range s.verifications {
		if u, ok := s.users[id]; ok && v.Verified && !u.IsBlocked {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID > out[j].TelegramID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) RecentBlocked(_ context.Context, limit int) ([]database.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.User
	for _, u := range s.users {
		if u.IsBlocked {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TelegramID > out[j].TelegramID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CountStats(_ context.Context) (*database.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &database.Stats{TotalUsers: int64(len(s.users))}
	for _, u := range s.users {
		if u.IsBlocked {
			stats.BlockedUsers++
		}
	}
	for id, v := range s.verifications {
		if _, ok := s.users[id]; ok && v.Verified {
			stats.VerifiedUsers++
		}
	}
	return stats, nil
}

func (s *fakeStore) Wipe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[int64]*database.User)
	s.verifications = make(map[int64]*database.Verification)
	s.conversations = make(map[int64]time.Time)
	return nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *fakeStore) Close(_ context.Context) error { return nil }

var _ database.Store = (*fakeStore)(nil)

func userRow(userID int64, nickname string) *database.User {
	return &database.User{TelegramID: userID, Nickname: nickname, CreatedAt: time.Now().UTC()}
}

// seedVerifiedUser installs a registered, verified user.
func (s *fakeStore) seedVerifiedUser(userID int64, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &database.User{TelegramID: userID, Nickname: nickname, CreatedAt: time.Now().UTC()}
	s.verifications[userID] = &database.Verification{UserID: userID, Verified: true, IssuedAt: time.Now().UTC()}
}

// seedBlockedUser installs a registered, banned user.
func (s *fakeStore) seedBlockedUser(userID int64, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.users[userID] = &database.User{
		TelegramID: userID, Nickname: nickname, CreatedAt: now,
		IsBlocked: true, BlockReason: "test", BlockedAt: &now,
	}
	s.verifications[userID] = &database.Verification{UserID: userID, IssuedAt: now}
}

// fakeTransport records every outgoing call. Chats marked unreachable answer
// Send with a 403; chats with broken edits answer edit attempts with a 400.
type fakeTransport struct {
	mu          sync.Mutex
	nextID      int
	sent        []tgbotapi.Chattable
	unreachable map[int64]bool
	brokenEdits map[int64]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		unreachable: make(map[int64]bool),
		brokenEdits: make(map[int64]bool),
	}
}

func (f *fakeTransport) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chatID, ok := chatIDOf(c); ok {
		if f.unreachable[chatID] {
			return tgbotapi.Message{}, &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
		}
		if _, isEdit := c.(tgbotapi.EditMessageTextConfig); isEdit && f.brokenEdits[chatID] {
			return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: message to edit not found"}
		}
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeTransport) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func chatIDOf(c tgbotapi.Chattable) (int64, bool) {
	switch v := c.(type) {
	case tgbotapi.MessageConfig:
		return v.ChatID, true
	case tgbotapi.ForwardConfig:
		return v.ChatID, true
	case tgbotapi.EditMessageTextConfig:
		return v.ChatID, true
	}
	return 0, false
}

func (f *fakeTransport) markUnreachable(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[chatID] = true
}

// breakEdits makes message edits in chatID fail as if the target message is
// gone, while fresh sends keep working.
func (f *fakeTransport) breakEdits(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brokenEdits[chatID] = true
}

func (f *fakeTransport) messagesTo(chatID int64) []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok && m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) textsTo(chatID int64) []string {
	var out []string
	for _, m := range f.messagesTo(chatID) {
		out = append(out, m.Text)
	}
	return out
}

func (f *fakeTransport) forwardsTo(chatID int64) []tgbotapi.ForwardConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.ForwardConfig
	for _, c := range f.sent {
		if fw, ok := c.(tgbotapi.ForwardConfig); ok && fw.ChatID == chatID {
			out = append(out, fw)
		}
	}
	return out
}

func (f *fakeTransport) deletesIn(chatID int64) []tgbotapi.DeleteMessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.DeleteMessageConfig
	for _, c := range f.sent {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok && d.ChatID == chatID {
			out = append(out, d)
		}
	}
	return out
}

// containsText reports whether any recorded message to chatID contains sub.
func (f *fakeTransport) containsText(chatID int64, sub string) bool {
	for _, text := range f.textsTo(chatID) {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

func newTestHandler() (*BotHandler, *fakeStore, *fakeTransport) {
	store := newFakeStore()
	transport := newFakeTransport()
	cfg := &config.Config{
		AdminID:             testAdminID,
		ChatTimeout:         time.Hour,
		VerificationTimeout: time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBotHandler(transport, store, cfg, logger), store, transport
}

func commandUpdate(from int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i > 0 {
		cmdLen = i
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from, FirstName: "tester"},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}}
}

func textUpdate(from int64, messageID int, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: messageID,
		From:      &tgbotapi.User{ID: from, FirstName: "tester"},
		Chat:      &tgbotapi.Chat{ID: from, Type: "private"},
		Text:      text,
	}}
}

func callbackUpdate(from int64, chatID int64, messageID int, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from},
		Data:    data,
		Message: &tgbotapi.Message{MessageID: messageID, Chat: &tgbotapi.Chat{ID: chatID, Type: "private"}},
	}}
}
