package storage

import (
	"context"
	"time"
)

// Client is a registered client application.
type Client struct {
	// ID is the internal identifier used by owners and the consent ledger
	ID string

	// ClientID is the public identifier presented by the client
	ClientID string

	// ClientSecretHash is a bcrypt hash. Empty for public clients.
	ClientSecretHash string

	Name         string
	Description  string
	HomepageURL  string
	LogoURL      string
	RedirectURIs []string

	// IsTrusted marks first-party apps that skip the consent record
	IsTrusted bool

	// IsPublic marks clients that cannot keep a secret and must use PKCE
	IsPublic bool

	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// ClientSummary is a client with derived counts of issued tokens and consents.
type ClientSummary struct {
	Client
	TokenCount   int
	ConsentCount int
}

// AuthorizationCode is a single-use code issued on user approval.
type AuthorizationCode struct {
	Code                string
	AppID               string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Token is an access/refresh token pair issued to an app on behalf of a user.
type Token struct {
	ID                    string
	AccessToken           string
	RefreshToken          string
	AppID                 string
	UserID                string
	Scopes                []string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	LastUsedAt            time.Time
	LastUsedIP            string
	CreatedAt             time.Time
}

// Expired reports whether the pair can no longer be used at now. A pair
// lives as long as its refresh token; a zero expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	expiresAt := t.RefreshTokenExpiresAt
	if expiresAt.IsZero() {
		expiresAt = t.AccessTokenExpiresAt
	}
	return !expiresAt.IsZero() && now.After(expiresAt)
}

// TokenRotation carries the new values written by RotateRefreshToken.
// App, user and scopes are inherited from the rotated token.
type TokenRotation struct {
	ID                    string
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	IssuedAt              time.Time
}

// Consent records the scopes a user granted an app. There is at most one
// consent per (user, app) pair.
type Consent struct {
	ID        string
	UserID    string
	AppID     string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppDisplay holds the fields of a client that are safe to show to end users.
type AppDisplay struct {
	ID          string
	Name        string
	Description string
	HomepageURL string
	LogoURL     string
}

// DisplayOf returns the display-safe projection of c.
func DisplayOf(c *Client) AppDisplay {
	return AppDisplay{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		HomepageURL: c.HomepageURL,
		LogoURL:     c.LogoURL,
	}
}

// ConsentWithApp is a consent joined with its app's display fields.
type ConsentWithApp struct {
	Consent
	App AppDisplay
}

// UserProfile is the subset of the user directory exposed through userinfo.
// FTP and Weight are nil when the user has not recorded them.
type UserProfile struct {
	ID     string
	Name   string
	Email  string
	Image  string
	FTP    *int
	Weight *float64
}

// ClientStore manages registered client applications.
type ClientStore interface {
	// SaveClient inserts a client. Returns ErrDuplicateClientID if the
	// public client id is already taken.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by internal id
	GetClient(ctx context.Context, id string) (*Client, error)

	// GetClientByClientID retrieves a client by its public client id
	GetClientByClientID(ctx context.Context, clientID string) (*Client, error)

	// ListClientsByOwner lists an owner's clients, newest first, with token
	// and consent counts.
	ListClientsByOwner(ctx context.Context, ownerID string) ([]*ClientSummary, error)

	// UpdateClientSecret replaces the stored secret hash
	UpdateClientSecret(ctx context.Context, id, secretHash string) error

	// DeleteClient removes a client together with all of its tokens,
	// authorization codes and consents. The cascade is all-or-nothing.
	DeleteClient(ctx context.Context, id string) error
}

// CodeStore manages authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a newly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes a code.
	// Of two concurrent calls for the same code, exactly one receives the
	// record. The record is returned even when it has expired; the caller
	// checks expiry after the code is already gone.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// TokenStore manages token pairs.
type TokenStore interface {
	// SaveToken stores a newly issued token pair
	SaveToken(ctx context.Context, token *Token) error

	// GetTokenByAccessToken looks up a token pair by its access token value
	GetTokenByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// RotateRefreshToken atomically deletes the pair holding refreshToken and
	// inserts a new pair with the rotation's values, inheriting app, user and
	// scopes. Returns ErrTokenNotFound if no pair holds refreshToken and
	// ErrTokenExpired if its refresh token expired before rotation.IssuedAt;
	// in the expired case the old pair is still deleted.
	RotateRefreshToken(ctx context.Context, refreshToken string, rotation *TokenRotation) (*Token, error)

	// DeleteToken deletes the pair whose access or refresh token equals value.
	// It reports whether a pair was deleted.
	DeleteToken(ctx context.Context, value string) (bool, error)

	// TouchToken records the last use of a token pair
	TouchToken(ctx context.Context, id string, at time.Time, ip string) error
}

// ConsentStore manages the consent ledger.
type ConsentStore interface {
	// UpsertConsent creates the consent for (UserID, AppID) or replaces the
	// scopes of the existing one.
	UpsertConsent(ctx context.Context, consent *Consent) error

	// ListConsentsByUser lists a user's consents, newest first
	ListConsentsByUser(ctx context.Context, userID string) ([]*ConsentWithApp, error)

	// DeleteConsent removes the consent for (userID, appID) together with
	// every token and pending authorization code issued to that pair in one
	// atomic step. Returns ErrConsentNotFound if
	// there is no consent.
	DeleteConsent(ctx context.Context, userID, appID string) error
}

// UserStore is a read-only view of the user directory.
type UserStore interface {
	GetUserProfile(ctx context.Context, id string) (*UserProfile, error)
	GetUserByEmail(ctx context.Context, email string) (*UserProfile, error)
}

// UserWriter seeds the user directory. It is used by tooling and tests;
// the authorization server itself never writes users.
type UserWriter interface {
	SaveUser(ctx context.Context, user *UserProfile) error
}

// Store combines every contract the authorization server needs.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	ConsentStore
	UserStore

	// DeleteExpired removes authorization codes and token pairs whose
	// expiry is before now and returns how many records were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources
	Close() error
}
