package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	opTimeout     = 5 * time.Second
	txMaxAttempts = 3
	txRetryDelay  = 500 * time.Millisecond

	maxBlockReasonLen = 255
)

type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database

	Users         *mongo.Collection
	Verifications *mongo.Collection
	Conversations *mongo.Collection
	Settings      *mongo.Collection

	log *slog.Logger
}

var _ Store = (*MongoDB)(nil)

func Connect(ctx context.Context, uri, dbName string, log *slog.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	mongoDB := &MongoDB{
		Client:        client,
		Database:      db,
		Users:         db.Collection("users"),
		Verifications: db.Collection("verifications"),
		Conversations: db.Collection("conversations"),
		Settings:      db.Collection("settings"),
		log:           log,
	}

	mongoDB.createIndexes(ctx)
	if err := mongoDB.ensureSettings(ctx); err != nil {
		return nil, err
	}

	log.Info("connected to MongoDB", "database", dbName)
	return mongoDB, nil
}

func (db *MongoDB) createIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	usersIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "telegram_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "is_blocked", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "created_at", Value: -1}},
		},
	}
	if _, err := db.Users.Indexes().CreateMany(ctx, usersIndexes); err != nil {
		db.log.Warn("error creating users indexes", "error", err)
	}

	verificationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "verified", Value: 1}, {Key: "issued_at", Value: -1}},
		},
	}
	if _, err := db.Verifications.Indexes().CreateMany(ctx, verificationIndexes); err != nil {
		db.log.Warn("error creating verification indexes", "error", err)
	}

	conversationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := db.Conversations.Indexes().CreateMany(ctx, conversationIndexes); err != nil {
		db.log.Warn("error creating conversation indexes", "error", err)
	}
}

// ensureSettings seeds the global settings document on first run.
func (db *MongoDB) ensureSettings(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := db.Settings.CountDocuments(ctx, bson.M{"_id": "global"})
	if err != nil {
		return fmt.Errorf("checking settings: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = db.Settings.InsertOne(ctx, bson.M{
		"_id":                     "global",
		"verification_enabled":    true,
		"verification_difficulty": 2,
	})
	if err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}
	return nil
}

func (db *MongoDB) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting from MongoDB: %w", err)
	}
	db.log.Info("disconnected from MongoDB")
	return nil
}

// WithTx runs fn inside a session transaction. Transient transaction errors
// are retried with exponential backoff; anything else aborts immediately.
func (db *MongoDB) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := db.Client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	var lastErr error
	for attempt := 0; attempt < txMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(txRetryDelay << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
			if err := sess.StartTransaction(); err != nil {
				return fmt.Errorf("starting transaction: %w", err)
			}
			if err := fn(sc); err != nil {
				_ = sess.AbortTransaction(sc)
				return err
			}
			return sess.CommitTransaction(sc)
		})
		if err == nil {
			return nil
		}
		if !isTransientTxError(err) {
			return err
		}
		db.log.Warn("transient transaction error, retrying", "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return lastErr
}

func isTransientTxError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") ||
			cmdErr.HasErrorLabel("UnknownTransactionCommitResult")
	}
	return false
}

// Users.

func (db *MongoDB) UpsertUser(ctx context.Context, u *User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := db.Users.UpdateOne(ctx,
		bson.M{"telegram_id": u.TelegramID},
		bson.M{
			"$set": bson.M{
				"nickname": u.Nickname,
				"username": u.Username,
			},
			"$setOnInsert": bson.M{
				"created_at": createdAt,
				"is_blocked": false,
			},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (db *MongoDB) GetUser(ctx context.Context, userID int64) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var user User
	err := db.Users.FindOne(ctx, bson.M{"telegram_id": userID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (db *MongoDB) SetBlocked(ctx context.Context, userID int64, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if len(reason) > maxBlockReasonLen {
		reason = reason[:maxBlockReasonLen]
	}
	res, err := db.Users.UpdateOne(ctx,
		bson.M{"telegram_id": userID},
		bson.M{"$set": bson.M{
			"is_blocked":   true,
			"block_reason": reason,
			"blocked_at":   time.Now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *MongoDB) ClearBlocked(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := db.Users.UpdateOne(ctx,
		bson.M{"telegram_id": userID},
		bson.M{
			"$set":   bson.M{"is_blocked": false},
			"$unset": bson.M{"block_reason": "", "blocked_at": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *MongoDB) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	user, err := db.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsBlocked, nil
}

// Verification rows.

func (db *MongoDB) UpsertVerification(ctx context.Context, v *Verification) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Verifications.ReplaceOne(ctx,
		bson.M{"user_id": v.UserID},
		v,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (db *MongoDB) GetVerification(ctx context.Context, userID int64) (*Verification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var v Verification
	err := db.Verifications.FindOne(ctx, bson.M{"user_id": userID}).Decode(&v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (db *MongoDB) DeleteVerification(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Verifications.DeleteOne(ctx, bson.M{"user_id": userID})
	return err
}

func (db *MongoDB) ResetVerification(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := db.Verifications.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":   bson.M{"verified": false, "error_count": 0},
			"$unset": bson.M{"message_id": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *MongoDB) MarkVerified(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := db.Verifications.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":   bson.M{"verified": true, "issued_at": time.Now().UTC()},
			"$unset": bson.M{"message_id": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *MongoDB) IsVerified(ctx context.Context, userID int64) (bool, error) {
	v, err := db.GetVerification(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.Verified, nil
}

// Conversation activity.

func (db *MongoDB) TouchConversation(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Conversations.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"last_message_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (db *MongoDB) DeleteConversation(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Conversations.DeleteOne(ctx, bson.M{"user_id": userID})
	return err
}

// Settings.

func (db *MongoDB) GetSettings(ctx context.Context) (*Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var s Settings
	err := db.Settings.FindOne(ctx, bson.M{"_id": "global"}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Verification defaults to on when the document is missing.
		return &Settings{VerificationEnabled: true, Difficulty: 2}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *MongoDB) SetVerificationEnabled(ctx context.Context, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Settings.UpdateOne(ctx,
		bson.M{"_id": "global"},
		bson.M{"$set": bson.M{"verification_enabled": enabled}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (db *MongoDB) SetVerificationDifficulty(ctx context.Context, difficulty int) error {
	if difficulty < 1 || difficulty > 3 {
		return fmt.Errorf("invalid difficulty %d: must be 1, 2 or 3", difficulty)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.Settings.UpdateOne(ctx,
		bson.M{"_id": "global"},
		bson.M{"$set": bson.M{"verification_difficulty": difficulty}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Operator queries.

func (db *MongoDB) RecentVerified(ctx context.Context, limit int) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "issued_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := db.Verifications.Find(ctx, bson.M{"verified": true}, opts)
	if err != nil {
		return nil, err
	}
	var rows []Verification
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}

	users := make([]User, 0, len(rows))
	for _, row := range rows {
		user, err := db.GetUser(ctx, row.UserID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, nil
}

func (db *MongoDB) RecentBlocked(ctx context.Context, limit int) ([]User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "blocked_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := db.Users.Find(ctx, bson.M{"is_blocked": true}, opts)
	if err != nil {
		return nil, err
	}
	var users []User
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (db *MongoDB) CountStats(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats := &Stats{}
	var err error

	if stats.TotalUsers, err = db.Users.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, err
	}

	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	if stats.NewToday, err = db.Users.CountDocuments(ctx, bson.M{"created_at": bson.M{"$gte": midnight}}); err != nil {
		return nil, err
	}

	if stats.BlockedUsers, err = db.Users.CountDocuments(ctx, bson.M{"is_blocked": true}); err != nil {
		return nil, err
	}

	if stats.VerifiedUsers, err = db.Verifications.CountDocuments(ctx, bson.M{"verified": true}); err != nil {
		return nil, err
	}

	return stats, nil
}

func (db *MongoDB) Wipe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, err := db.Users.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	if _, err := db.Verifications.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	if _, err := db.Conversations.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	db.log.Info("database wiped")
	return nil
}
