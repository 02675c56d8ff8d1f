// Package connector defines the contract between the HTTP app and a provider
// adapter. An adapter exposes the three steps of an OAuth-style exchange:
// building the authorization redirect, trading the provider's callback for a
// token set, and resolving that token set into a normalized identity.
package connector

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrMissingCredential is returned from adapter construction when a required
// provider credential is absent. It fires before any network activity so a
// misconfigured deploy fails at startup, not on the first login.
var ErrMissingCredential = errors.New("connector: provider credential is empty")

// ErrUnauthenticated indicates the provider exchange ran but did not confirm
// the user's identity. This is an expected outcome during normal operation,
// e.g. the user cancelled at the provider or the assertion did not check out.
var ErrUnauthenticated = errors.New("connector: provider did not confirm the user's identity")

// ProfileError indicates the profile lookup failed after the user was already
// authenticated. The caller decides whether to proceed with a bare identity or
// abort the login.
type ProfileError struct {
	Cause error
}

func (e *ProfileError) Error() string {
	return "connector: profile fetch failed: " + e.Cause.Error()
}

func (e *ProfileError) Unwrap() error { return e.Cause }

// TokenSet is the value bag an adapter returns in place of a real OAuth
// token. SessionID and AccessToken are freshly generated collision-resistant
// identifiers whose only guaranteed property is uniqueness — they are not
// bearer tokens, carry no signature, and must never be accepted as proof of
// anything outside this flow. ProviderID is the verified stable identifier
// the provider asserted for the user.
type TokenSet struct {
	SessionID   string
	AccessToken string
	ProviderID  string
}

// Identity is the normalized user record handed to the surrounding framework
// after a successful login. Fields the provider does not populate are zero.
type Identity struct {
	// ID is the provider's stable identifier for the user.
	ID string

	// DisplayName is the user's current public name at the provider.
	DisplayName string

	// AvatarURL points at the full-size profile image.
	AvatarURL string

	// Presence is the provider's online-state code.
	Presence int

	// Visibility is the provider's profile-visibility code.
	Visibility int

	// CreatedAt is when the account was created at the provider.
	CreatedAt time.Time
}

// Connector is implemented by provider adapters. The three operations run in
// sequence for one login attempt and share no state between attempts; Token
// must succeed before UserInfo is called, since UserInfo needs the verified
// ProviderID.
type Connector interface {
	// Authorization returns the full URL to redirect the user agent to for
	// authentication at the provider. returnTo is the absolute URL the
	// provider sends the user agent back to; realm is the origin shown on
	// the provider's trust prompt.
	Authorization(returnTo, realm string) (string, error)

	// Token verifies the provider's callback and wraps the confirmed
	// identifier in a TokenSet. A callback the provider does not confirm
	// returns ErrUnauthenticated, never a TokenSet with an empty
	// ProviderID.
	Token(ctx context.Context, callbackURL string) (*TokenSet, error)

	// UserInfo resolves a TokenSet from Token into a normalized Identity.
	// Failures after this point are reported as *ProfileError: the user is
	// authenticated, only the enrichment failed.
	UserInfo(ctx context.Context, ts *TokenSet) (*Identity, error)
}
