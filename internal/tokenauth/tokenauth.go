// Package tokenauth verifies the short-lived bearer credential presented
// at socket connect time. Tokens are HMAC-signed with the secret shared
// with the REST access-token issuer; issuance itself lives elsewhere.
package tokenauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcinPlaza1/block-scape-sub003/internal/store"
)

var (
	// ErrMissingToken indicates no credential was supplied.
	ErrMissingToken = errors.New("tokenauth: missing token")
	// ErrInvalidToken indicates the credential failed signature, expiry, or
	// claim validation.
	ErrInvalidToken = errors.New("tokenauth: invalid or expired token")
	// ErrSessionNotFound indicates the referenced durable session does not
	// exist or is no longer active.
	ErrSessionNotFound = errors.New("tokenauth: session not found or inactive")
	// ErrNotParticipant indicates the identity has no participant record in
	// the referenced session.
	ErrNotParticipant = errors.New("tokenauth: not a participant of session")
)

// Claims is the session credential payload.
type Claims struct {
	SessionID string     `json:"sessionId"`
	Role      store.Role `json:"role"`
	IsGuest   bool       `json:"isGuest,omitempty"`
	GuestName string     `json:"guestName,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved principal of a verified token. Exactly one of
// UserID and GuestID is set.
type Identity struct {
	UserID    string
	GuestID   string
	Name      string
	Role      store.Role
	SessionID string
}

// EffectiveID returns the user id for registered users and the guest id
// for guests.
func (id Identity) EffectiveID() string {
	if id.IsGuest() {
		return id.GuestID
	}
	return id.UserID
}

// IsGuest reports whether the identity is an ephemeral guest.
func (id Identity) IsGuest() bool { return id.GuestID != "" }

// Verifier validates bearer credentials against the shared secret and the
// durable store. Read-only; it never writes.
type Verifier struct {
	secret []byte
	store  store.Gateway
	leeway time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway sets the clock-skew tolerance applied to time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier builds a Verifier over the shared signing secret.
func NewVerifier(secret []byte, gw store.Gateway, opts ...Option) *Verifier {
	v := &Verifier{
		secret: secret,
		store:  gw,
		leeway: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify parses and validates the bearer string, then checks that the
// referenced session is active and, for registered users, that a
// participant record exists. Guests carry their binding in the token; the
// session layer creates their participant record at join.
func (v *Verifier) Verify(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(bearer, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrInvalidToken)
	}
	if !store.ValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	if claims.IsGuest && claims.GuestName == "" {
		return nil, fmt.Errorf("%w: guest token missing guestName", ErrInvalidToken)
	}

	sess, err := v.store.GetSession(ctx, claims.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tokenauth: session lookup: %w", err)
	}
	if !sess.IsActive {
		return nil, ErrSessionNotFound
	}

	ident := &Identity{
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}
	if claims.IsGuest {
		ident.GuestID = claims.Subject
		ident.Name = claims.GuestName
		return ident, nil
	}

	part, err := v.store.GetParticipant(ctx, claims.SessionID, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("tokenauth: participant lookup: %w", err)
	}
	ident.UserID = claims.Subject
	ident.Name = part.Name
	return ident, nil
}

// Sign mints a credential for the given claims. Exposed for tests and for
// local development tooling; production issuance happens in the REST API.
func Sign(secret []byte, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
