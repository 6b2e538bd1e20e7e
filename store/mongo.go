// Package store persists credential pairs in MongoDB, keyed by user id. It is
// the hosted-database collaborator behind the relay core's CredentialStore
// interface; the core only reads, writes come from the save endpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"mediaRelay/relay"
)

type Config struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
	logger *logrus.Logger
}

type userDocument struct {
	ID                string    `bson:"_id"`
	PersonalAuthToken string    `bson:"personal_auth_token,omitempty"`
	RecaptchaToken    string    `bson:"recaptcha_token,omitempty"`
	TokenCapturedAt   time.Time `bson:"token_captured_at,omitempty"`
}

func NewMongo(config Config, logger *logrus.Logger) (*Mongo, error) {
	if config.Database == "" {
		config.Database = "mediaRelay"
	}
	if config.Collection == "" {
		config.Collection = "users"
	}
	if logger == nil {
		logger = logrus.New()
	}

	clientOptions := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetRetryReads(true).
		SetRetryWrites(true).
		SetConnectTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()

	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Connected to MongoDB")
	return &Mongo{
		client: client,
		users:  client.Database(config.Database).Collection(config.Collection),
		logger: logger,
	}, nil
}

// Get returns the user's current token pair, or relay.ErrNotFound when the
// user has no stored access token.
func (m *Mongo) Get(ctx context.Context, userID string) (*relay.Credential, error) {
	var doc userDocument
	err := m.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, relay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}

	accessToken := strings.TrimSpace(doc.PersonalAuthToken)
	if accessToken == "" {
		return nil, relay.ErrNotFound
	}

	return &relay.Credential{
		AccessToken:    accessToken,
		RecaptchaToken: strings.TrimSpace(doc.RecaptchaToken),
		CapturedAt:     doc.TokenCapturedAt,
	}, nil
}

// Set upserts the user's token pair. Saving stamps CapturedAt when the caller
// left it zero, so the reCAPTCHA validity window is measurable later.
func (m *Mongo) Set(ctx context.Context, userID string, cred relay.Credential) error {
	capturedAt := cred.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	update := bson.M{"$set": bson.M{
		"personal_auth_token": strings.TrimSpace(cred.AccessToken),
		"recaptcha_token":     strings.TrimSpace(cred.RecaptchaToken),
		"token_captured_at":   capturedAt,
	}}

	_, err := m.users.UpdateOne(ctx, bson.M{"_id": userID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("credential save failed: %w", err)
	}
	return nil
}

// Ping reports store reachability for health checks.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
