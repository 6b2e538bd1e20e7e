package relay

import (
	"context"
	"errors"
	"time"
)

// Credential is one user's current token pair. The access token always
// originates from user-supplied material (paste or file extraction); nothing in
// this package ever fabricates one. The reCAPTCHA token is short-lived
// (roughly two minutes) and single-use.
type Credential struct {
	AccessToken    string    `json:"accessToken"`
	RecaptchaToken string    `json:"recaptchaToken,omitempty"`
	CapturedAt     time.Time `json:"capturedAt,omitempty"`
}

// CredentialStore is the persistence collaborator. The dispatcher only reads;
// writes happen from the settings/save flow outside the core.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (*Credential, error)
}

// ErrNotFound is returned by CredentialStore implementations when the user has
// no stored credential. The dispatcher treats it the same as an empty token.
var ErrNotFound = errors.New("credential not found")

// VerificationPrompter acquires a fresh reCAPTCHA assertion from the end user.
// It replaces the DOM custom-event handshake of the browser build with an
// injected capability, so the core carries no UI dependency. It is called at
// most once per dispatch and never retried.
type VerificationPrompter func(ctx context.Context) (string, error)
