package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

const backendName = "memory"

type pairKey struct {
	userID string
	appID  string
}

// Store is an in-memory implementation of storage.Store. A single RWMutex
// guards every map, so each method is atomic with respect to the others.
type Store struct {
	mu sync.RWMutex

	// Clients, indexed by internal id and by public client id
	clients   map[string]*storage.Client
	clientIDs map[string]string

	codes map[string]*storage.AuthorizationCode

	// Token pairs by id, plus value -> id indexes
	tokens        map[string]*storage.Token
	accessTokens  map[string]string
	refreshTokens map[string]string

	consents map[pairKey]*storage.Consent

	users       map[string]*storage.UserProfile
	usersByMail map[string]string

	instrumentation *instrumentation.Instrumentation

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.UserWriter = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientIDs:       make(map[string]string),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokens:          make(map[string]*storage.Token),
		accessTokens:    make(map[string]string),
		refreshTokens:   make(map[string]string),
		consents:        make(map[pairKey]*storage.Consent),
		users:           make(map[string]*storage.UserProfile),
		usersByMail:     make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close stops the cleanup goroutine. The data is discarded with the store.
func (s *Store) Close() error {
	s.Stop()
	return nil
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	return instrumentation.StartStorageOp(ctx, inst, backendName, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, op := s.startOp(ctx, "SaveClient")
	defer func() { op.End(err) }()

	if client == nil || client.ID == "" || client.ClientID == "" {
		return fmt.Errorf("client id and client_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clientIDs[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateClientID, client.ClientID)
	}

	s.clients[client.ID] = cloneClient(client)
	s.clientIDs[client.ClientID] = client.ID

	s.logger.Debug("Saved client", "app_id", client.ID, "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by internal id
func (s *Store) GetClient(ctx context.Context, id string) (_ *storage.Client, err error) {
	_, op := s.startOp(ctx, "GetClient")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return cloneClient(client), nil
}

// GetClientByClientID retrieves a client by its public client id
func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, op := s.startOp(ctx, "GetClientByClientID")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.clientIDs[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(s.clients[id]), nil
}

// ListClientsByOwner lists an owner's clients, newest first
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.ClientSummary, err error) {
	_, op := s.startOp(ctx, "ListClientsByOwner")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokenCounts := make(map[string]int)
	for _, token := range s.tokens {
		tokenCounts[token.AppID]++
	}
	consentCounts := make(map[string]int)
	for key := range s.consents {
		consentCounts[key.appID]++
	}

	summaries := make([]*storage.ClientSummary, 0)
	for _, client := range s.clients {
		if client.OwnerID != ownerID {
			continue
		}
		summaries = append(summaries, &storage.ClientSummary{
			Client:       *cloneClient(client),
			TokenCount:   tokenCounts[client.ID],
			ConsentCount: consentCounts[client.ID],
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	return summaries, nil
}

// UpdateClientSecret replaces the stored secret hash
func (s *Store) UpdateClientSecret(ctx context.Context, id, secretHash string) (err error) {
	_, op := s.startOp(ctx, "UpdateClientSecret")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	client.ClientSecretHash = secretHash
	client.UpdatedAt = time.Now()
	return nil
}

// DeleteClient removes a client with its tokens, codes and consents
func (s *Store) DeleteClient(ctx context.Context, id string) (err error) {
	_, op := s.startOp(ctx, "DeleteClient")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}

	tokens := 0
	for tokenID, token := range s.tokens {
		if token.AppID == id {
			s.deleteTokenLocked(tokenID)
			tokens++
		}
	}
	for value, code := range s.codes {
		if code.AppID == id {
			delete(s.codes, value)
		}
	}
	for key := range s.consents {
		if key.appID == id {
			delete(s.consents, key)
		}
	}

	delete(s.clientIDs, client.ClientID)
	delete(s.clients, id)

	s.logger.Debug("Deleted client", "app_id", id, "tokens_removed", tokens)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	_, op := s.startOp(ctx, "SaveAuthorizationCode")
	defer func() { op.End(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *code
	stored.Scopes = slices.Clone(code.Scopes)
	s.codes[code.Code] = &stored
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes a code
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	_, op := s.startOp(ctx, "ConsumeAuthorizationCode")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	delete(s.codes, code)

	return authCode, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveToken saves a newly issued token pair
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	_, op := s.startOp(ctx, "SaveToken")
	defer func() { op.End(err) }()

	if token == nil || token.ID == "" || token.AccessToken == "" {
		return fmt.Errorf("token id and access token are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.putTokenLocked(cloneToken(token))
	return nil
}

// GetTokenByAccessToken looks up a token pair by access token value
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	_, op := s.startOp(ctx, "GetTokenByAccessToken")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accessTokens[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return cloneToken(s.tokens[id]), nil
}

// RotateRefreshToken atomically replaces the pair holding refreshToken
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken string, rotation *storage.TokenRotation) (_ *storage.Token, err error) {
	_, op := s.startOp(ctx, "RotateRefreshToken")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refreshTokens[refreshToken]
	if !ok || refreshToken == "" {
		return nil, storage.ErrTokenNotFound
	}
	old := s.tokens[id]
	s.deleteTokenLocked(id)

	if !old.RefreshTokenExpiresAt.IsZero() && rotation.IssuedAt.After(old.RefreshTokenExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	rotated := &storage.Token{
		ID:                    rotation.ID,
		AccessToken:           rotation.AccessToken,
		RefreshToken:          rotation.RefreshToken,
		AppID:                 old.AppID,
		UserID:                old.UserID,
		Scopes:                slices.Clone(old.Scopes),
		AccessTokenExpiresAt:  rotation.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: rotation.RefreshTokenExpiresAt,
		CreatedAt:             rotation.IssuedAt,
	}
	s.putTokenLocked(rotated)

	return cloneToken(rotated), nil
}

// DeleteToken deletes the pair whose access or refresh token equals value
func (s *Store) DeleteToken(ctx context.Context, value string) (_ bool, err error) {
	_, op := s.startOp(ctx, "DeleteToken")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accessTokens[value]
	if !ok {
		id, ok = s.refreshTokens[value]
	}
	if !ok || value == "" {
		return false, nil
	}

	s.deleteTokenLocked(id)
	return true, nil
}

// TouchToken records the last use of a token pair
func (s *Store) TouchToken(ctx context.Context, id string, at time.Time, ip string) (err error) {
	_, op := s.startOp(ctx, "TouchToken")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return storage.ErrTokenNotFound
	}
	token.LastUsedAt = at
	token.LastUsedIP = ip
	return nil
}

// putTokenLocked stores a token and its indexes. Callers must hold s.mu.
func (s *Store) putTokenLocked(token *storage.Token) {
	s.tokens[token.ID] = token
	s.accessTokens[token.AccessToken] = token.ID
	if token.RefreshToken != "" {
		s.refreshTokens[token.RefreshToken] = token.ID
	}
}

// deleteTokenLocked removes a token and its indexes. Callers must hold s.mu.
func (s *Store) deleteTokenLocked(id string) {
	token, ok := s.tokens[id]
	if !ok {
		return
	}
	delete(s.accessTokens, token.AccessToken)
	if token.RefreshToken != "" {
		delete(s.refreshTokens, token.RefreshToken)
	}
	delete(s.tokens, id)
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// UpsertConsent creates or replaces the consent for (UserID, AppID)
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.Consent) (err error) {
	_, op := s.startOp(ctx, "UpsertConsent")
	defer func() { op.End(err) }()

	if consent == nil || consent.UserID == "" || consent.AppID == "" {
		return fmt.Errorf("consent user and app are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{userID: consent.UserID, appID: consent.AppID}
	if existing, ok := s.consents[key]; ok {
		existing.Scopes = slices.Clone(consent.Scopes)
		existing.UpdatedAt = consent.UpdatedAt
		return nil
	}

	stored := *consent
	stored.Scopes = slices.Clone(consent.Scopes)
	s.consents[key] = &stored
	return nil
}

// ListConsentsByUser lists a user's consents, newest first
func (s *Store) ListConsentsByUser(ctx context.Context, userID string) (_ []*storage.ConsentWithApp, err error) {
	_, op := s.startOp(ctx, "ListConsentsByUser")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.ConsentWithApp, 0)
	for key, consent := range s.consents {
		if key.userID != userID {
			continue
		}
		client, ok := s.clients[key.appID]
		if !ok {
			continue
		}
		c := *consent
		c.Scopes = slices.Clone(consent.Scopes)
		result = append(result, &storage.ConsentWithApp{
			Consent: c,
			App:     storage.DisplayOf(client),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// DeleteConsent removes a consent and every token and code of its pair
func (s *Store) DeleteConsent(ctx context.Context, userID, appID string) (err error) {
	_, op := s.startOp(ctx, "DeleteConsent")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{userID: userID, appID: appID}
	if _, ok := s.consents[key]; !ok {
		return storage.ErrConsentNotFound
	}
	delete(s.consents, key)

	for id, token := range s.tokens {
		if token.UserID == userID && token.AppID == appID {
			s.deleteTokenLocked(id)
		}
	}
	for value, code := range s.codes {
		if code.UserID == userID && code.AppID == appID {
			delete(s.codes, value)
		}
	}

	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser inserts or replaces a user profile
func (s *Store) SaveUser(ctx context.Context, user *storage.UserProfile) (err error) {
	_, op := s.startOp(ctx, "SaveUser")
	defer func() { op.End(err) }()

	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		delete(s.usersByMail, strings.ToLower(existing.Email))
	}
	stored := *user
	s.users[user.ID] = &stored
	if user.Email != "" {
		s.usersByMail[strings.ToLower(user.Email)] = user.ID
	}
	return nil
}

// GetUserProfile retrieves a user profile by id
func (s *Store) GetUserProfile(ctx context.Context, id string) (_ *storage.UserProfile, err error) {
	_, op := s.startOp(ctx, "GetUserProfile")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, id)
	}
	profile := *user
	return &profile, nil
}

// GetUserByEmail retrieves a user profile by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (_ *storage.UserProfile, err error) {
	_, op := s.startOp(ctx, "GetUserByEmail")
	defer func() { op.End(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByMail[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	profile := *s.users[id]
	return &profile, nil
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes expired codes and token pairs
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (_ int, err error) {
	_, op := s.startOp(ctx, "DeleteExpired")
	defer func() { op.End(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for value, code := range s.codes {
		if now.After(code.ExpiresAt) {
			delete(s.codes, value)
			cleaned++
		}
	}
	for id, token := range s.tokens {
		if token.Expired(now) {
			s.deleteTokenLocked(id)
			cleaned++
		}
	}

	return cleaned, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	cleaned, err := s.DeleteExpired(context.Background(), time.Now())

	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()

	if err != nil {
		logger.Warn("Failed to clean up expired entries", "error", err)
		return
	}
	if cleaned > 0 {
		logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func cloneClient(c *storage.Client) *storage.Client {
	clone := *c
	clone.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &clone
}

func cloneToken(t *storage.Token) *storage.Token {
	clone := *t
	clone.Scopes = slices.Clone(t.Scopes)
	return &clone
}
