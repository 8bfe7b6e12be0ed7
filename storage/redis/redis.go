// Package redis provides a Redis implementation of storage.Store on go-redis.
//
// Records are JSON values under prefixed keys with secondary index keys and
// sets. Multi-key updates run as WATCH/MULTI transactions that are retried
// on conflict; authorization codes are consumed with GETDEL. Expiring records
// are tracked in sorted sets for DeleteExpired and also carry key TTLs as a
// backstop.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	backendName = "redis"

	// DefaultKeyPrefix namespaces every key written by the store
	DefaultKeyPrefix = "oauth:"

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// keyRetention keeps expired records readable past their expiry so the
	// caller can still report them as expired rather than unknown.
	keyRetention = time.Hour

	maxTxRetries = 16
)

// Key types
const (
	keyClient       = "client"
	keyClientID     = "client_id"
	keyOwnerClients = "owner_clients"
	keyCode         = "code"
	keyPairCodes    = "pair_codes"
	keyAppCodes     = "app_codes"
	keyToken        = "token"
	keyTokenUsage   = "token_usage"
	keyAccess       = "access"
	keyRefresh      = "refresh"
	keyPairTokens   = "pair_tokens"
	keyAppTokens    = "app_tokens"
	keyConsent      = "consent"
	keyUserConsents = "user_consents"
	keyAppConsents  = "app_consents"
	keyUser         = "user"
	keyUserEmail    = "user_email"
	keyCodeExpiry   = "expiry:codes"
	keyTokenExpiry  = "expiry:tokens"
)

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces keys; defaults to DefaultKeyPrefix
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store is a Redis implementation of storage.Store
type Store struct {
	client          redis.UniversalClient
	keyPrefix       string
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.UserWriter = (*Store)(nil)
)

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient creates a Store with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Close closes the Redis client connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check)
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	return instrumentation.StartStorageOp(ctx, s.instrumentation, backendName, operation)
}

func (s *Store) key(kind string, parts ...string) string {
	if len(parts) == 0 {
		return s.keyPrefix + kind
	}
	return s.keyPrefix + kind + ":" + strings.Join(parts, ":")
}

// watch runs fn as an optimistic transaction over keys, retrying when a
// watched key changes before EXEC.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", redis.TxFailedErr)
}

// ttlUntil returns the key TTL for a record expiring at expiresAt; zero
// means the key never expires.
func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt) + keyRetention
	if ttl <= 0 {
		ttl = time.Minute
	}
	return ttl
}

// reader is the read side shared by clients and WATCH transactions
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func getJSON[T any](ctx context.Context, c reader, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

type storedClient struct {
	ID               string    `json:"id"`
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	HomepageURL      string    `json:"homepage_url,omitempty"`
	LogoURL          string    `json:"logo_url,omitempty"`
	RedirectURIs     []string  `json:"redirect_uris"`
	IsTrusted        bool      `json:"is_trusted"`
	IsPublic         bool      `json:"is_public"`
	OwnerID          string    `json:"owner_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toStoredClient(c *storage.Client) storedClient {
	return storedClient(*c)
}

func (c *storedClient) toClient() *storage.Client {
	client := storage.Client(*c)
	return &client
}

// SaveClient saves a registered client. The public client id is claimed
// with SETNX so concurrent registrations cannot share it.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, op := s.startOp(ctx, "SaveClient")
	defer func() { op.End(err) }()

	if client == nil || client.ID == "" || client.ClientID == "" {
		return errors.New("client id and client_id are required")
	}

	data, err := json.Marshal(toStoredClient(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	clientIDKey := s.key(keyClientID, client.ClientID)
	claimed, err := s.client.SetNX(ctx, clientIDKey, client.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim client id: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateClientID, client.ClientID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyClient, client.ID), data, 0)
		pipe.SAdd(ctx, s.key(keyOwnerClients, client.OwnerID), client.ID)
		return nil
	})
	if err != nil {
		// Compensating transaction: release the claimed client id
		_ = s.client.Del(ctx, clientIDKey).Err()
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by internal id
func (s *Store) GetClient(ctx context.Context, id string) (_ *storage.Client, err error) {
	ctx, op := s.startOp(ctx, "GetClient")
	defer func() { op.End(err) }()

	stored, err := getJSON[storedClient](ctx, s.client, s.key(keyClient, id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return stored.toClient(), nil
}

// GetClientByClientID retrieves a client by its public client id
func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, op := s.startOp(ctx, "GetClientByClientID")
	defer func() { op.End(err) }()

	id, err := s.client.Get(ctx, s.key(keyClientID, clientID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to resolve client id: %w", err)
	}

	stored, err := getJSON[storedClient](ctx, s.client, s.key(keyClient, id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return stored.toClient(), nil
}

// ListClientsByOwner lists an owner's clients, newest first, with counts
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.ClientSummary, err error) {
	ctx, op := s.startOp(ctx, "ListClientsByOwner")
	defer func() { op.End(err) }()

	ids, err := s.client.SMembers(ctx, s.key(keyOwnerClients, ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner clients: %w", err)
	}

	summaries := make([]*storage.ClientSummary, 0, len(ids))
	for _, id := range ids {
		stored, err := getJSON[storedClient](ctx, s.client, s.key(keyClient, id))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get client: %w", err)
		}

		var tokens, consents *redis.IntCmd
		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			tokens = pipe.SCard(ctx, s.key(keyAppTokens, id))
			consents = pipe.SCard(ctx, s.key(keyAppConsents, id))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count client grants: %w", err)
		}

		summaries = append(summaries, &storage.ClientSummary{
			Client:       *stored.toClient(),
			TokenCount:   int(tokens.Val()),
			ConsentCount: int(consents.Val()),
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
	ctx, op := s.startOp(ctx, "UpdateClientSecret")
	defer func() { op.End(err) }()

	clientKey := s.key(keyClient, id)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getJSON[storedClient](ctx, tx, clientKey)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
			}
			return fmt.Errorf("failed to get client: %w", err)
		}

		stored.ClientSecretHash = secretHash
		stored.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal client: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, clientKey, data, 0)
			return nil
		})
		return err
	}, clientKey)
}

// DeleteClient removes a client with its tokens, codes and consents in one
// MULTI/EXEC. The app's index sets are watched so grants written during the
// cascade abort and retry it.
func (s *Store) DeleteClient(ctx context.Context, id string) (err error) {
	ctx, op := s.startOp(ctx, "DeleteClient")
	defer func() { op.End(err) }()

	clientKey := s.key(keyClient, id)
	appTokensKey := s.key(keyAppTokens, id)
	appCodesKey := s.key(keyAppCodes, id)
	appConsentsKey := s.key(keyAppConsents, id)

	var removed int
	err = s.watch(ctx, func(tx *redis.Tx) error {
		client, err := getJSON[storedClient](ctx, tx, clientKey)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
			}
			return fmt.Errorf("failed to get client: %w", err)
		}

		tokens, err := s.loadTokens(ctx, tx, appTokensKey)
		if err != nil {
			return err
		}
		codes, err := s.loadCodes(ctx, tx, appCodesKey)
		if err != nil {
			return err
		}
		userIDs, err := tx.SMembers(ctx, appConsentsKey).Result()
		if err != nil {
			return fmt.Errorf("failed to list app consents: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range tokens {
				s.pipeDeleteToken(ctx, pipe, t)
			}
			for _, c := range codes {
				s.pipeDeleteCode(ctx, pipe, c)
			}
			for _, userID := range userIDs {
				pipe.Del(ctx, s.key(keyConsent, userID, id))
				pipe.SRem(ctx, s.key(keyUserConsents, userID), id)
			}
			pipe.Del(ctx, clientKey, appTokensKey, appCodesKey, appConsentsKey, s.key(keyClientID, client.ClientID))
			pipe.SRem(ctx, s.key(keyOwnerClients, client.OwnerID), id)
			return nil
		})
		removed = len(tokens)
		return err
	}, clientKey, appTokensKey, appCodesKey, appConsentsKey)
	if err != nil {
		return err
	}

	s.logger.Debug("Deleted client", "app_id", id, "tokens_removed", removed)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

type storedCode struct {
	Code                string    `json:"code"`
	AppID               string    `json:"app_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (c *storedCode) toCode() *storage.AuthorizationCode {
	code := storage.AuthorizationCode(*c)
	return &code
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, op := s.startOp(ctx, "SaveAuthorizationCode")
	defer func() { op.End(err) }()

	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}

	stored := storedCode(*code)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyCode, code.Code), data, ttlUntil(code.ExpiresAt))
		pipe.SAdd(ctx, s.key(keyPairCodes, code.UserID, code.AppID), code.Code)
		pipe.SAdd(ctx, s.key(keyAppCodes, code.AppID), code.Code)
		pipe.ZAdd(ctx, s.key(keyCodeExpiry), redis.Z{Score: float64(code.ExpiresAt.UnixMilli()), Member: code.Code})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode claims a code with GETDEL, so concurrent callers
// see it at most once. Index cleanup afterwards is best effort.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.startOp(ctx, "ConsumeAuthorizationCode")
	defer func() { op.End(err) }()

	data, err := s.client.GetDel(ctx, s.key(keyCode, code)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var stored storedCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	_, cleanupErr := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		s.pipeDeleteCode(ctx, pipe, &stored)
		return nil
	})
	if cleanupErr != nil {
		s.logger.Warn("Failed to clean up authorization code indexes", "error", cleanupErr)
	}

	return stored.toCode(), nil
}

func (s *Store) pipeDeleteCode(ctx context.Context, pipe redis.Pipeliner, c *storedCode) {
	pipe.Del(ctx, s.key(keyCode, c.Code))
	pipe.SRem(ctx, s.key(keyPairCodes, c.UserID, c.AppID), c.Code)
	pipe.SRem(ctx, s.key(keyAppCodes, c.AppID), c.Code)
	pipe.ZRem(ctx, s.key(keyCodeExpiry), c.Code)
}

func (s *Store) loadCodes(ctx context.Context, c reader, setKey string) ([]*storedCode, error) {
	values, err := c.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}

	codes := make([]*storedCode, 0, len(values))
	for _, value := range values {
		code, err := getJSON[storedCode](ctx, c, s.key(keyCode, value))
		if errors.Is(err, redis.Nil) {
			// Expired by TTL or already consumed; drop the stale member.
			codes = append(codes, &storedCode{Code: value})
			continue
		}
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

type storedToken struct {
	ID                    string    `json:"id"`
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	AppID                 string    `json:"app_id"`
	UserID                string    `json:"user_id"`
	Scopes                []string  `json:"scopes"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	CreatedAt             time.Time `json:"created_at"`
}

func toStoredToken(t *storage.Token) *storedToken {
	return &storedToken{
		ID:                    t.ID,
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		AppID:                 t.AppID,
		UserID:                t.UserID,
		Scopes:                t.Scopes,
		AccessTokenExpiresAt:  t.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: t.RefreshTokenExpiresAt,
		CreatedAt:             t.CreatedAt,
	}
}

func (t *storedToken) toToken() *storage.Token {
	return &storage.Token{
		ID:                    t.ID,
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		AppID:                 t.AppID,
		UserID:                t.UserID,
		Scopes:                t.Scopes,
		AccessTokenExpiresAt:  t.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: t.RefreshTokenExpiresAt,
		CreatedAt:             t.CreatedAt,
	}
}

// pairExpiry is when the whole pair stops being usable
func (t *storedToken) pairExpiry() time.Time {
	if !t.RefreshTokenExpiresAt.IsZero() {
		return t.RefreshTokenExpiresAt
	}
	return t.AccessTokenExpiresAt
}

func (s *Store) pipeSaveToken(ctx context.Context, pipe redis.Pipeliner, t *storedToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	expiresAt := t.pairExpiry()
	ttl := ttlUntil(expiresAt)

	pipe.Set(ctx, s.key(keyToken, t.ID), data, ttl)
	pipe.Set(ctx, s.key(keyAccess, t.AccessToken), t.ID, ttl)
	if t.RefreshToken != "" {
		pipe.Set(ctx, s.key(keyRefresh, t.RefreshToken), t.ID, ttl)
	}
	pipe.SAdd(ctx, s.key(keyPairTokens, t.UserID, t.AppID), t.ID)
	pipe.SAdd(ctx, s.key(keyAppTokens, t.AppID), t.ID)
	if !expiresAt.IsZero() {
		pipe.ZAdd(ctx, s.key(keyTokenExpiry), redis.Z{Score: float64(expiresAt.UnixMilli()), Member: t.ID})
	}
	return nil
}

func (s *Store) pipeDeleteToken(ctx context.Context, pipe redis.Pipeliner, t *storedToken) {
	keys := []string{s.key(keyToken, t.ID), s.key(keyTokenUsage, t.ID)}
	if t.AccessToken != "" {
		keys = append(keys, s.key(keyAccess, t.AccessToken))
	}
	if t.RefreshToken != "" {
		keys = append(keys, s.key(keyRefresh, t.RefreshToken))
	}
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.key(keyAppTokens, t.AppID), t.ID)
	if t.UserID != "" {
		pipe.SRem(ctx, s.key(keyPairTokens, t.UserID, t.AppID), t.ID)
	}
	pipe.ZRem(ctx, s.key(keyTokenExpiry), t.ID)
}

func (s *Store) loadTokens(ctx context.Context, c reader, setKey string) ([]*storedToken, error) {
	ids, err := c.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	tokens := make([]*storedToken, 0, len(ids))
	for _, id := range ids {
		token, err := getJSON[storedToken](ctx, c, s.key(keyToken, id))
		if errors.Is(err, redis.Nil) {
			tokens = append(tokens, &storedToken{ID: id})
			continue
		}
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// SaveToken saves a newly issued token pair
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, op := s.startOp(ctx, "SaveToken")
	defer func() { op.End(err) }()

	if token == nil || token.ID == "" || token.AccessToken == "" {
		return errors.New("token id and access token are required")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.pipeSaveToken(ctx, pipe, toStoredToken(token)); err != nil {
			return err
		}
		if !token.LastUsedAt.IsZero() {
			s.pipeTouch(ctx, pipe, token.ID, token.LastUsedAt, token.LastUsedIP, ttlUntil(toStoredToken(token).pairExpiry()))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetTokenByAccessToken looks up a token pair by access token value
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	ctx, op := s.startOp(ctx, "GetTokenByAccessToken")
	defer func() { op.End(err) }()

	id, err := s.client.Get(ctx, s.key(keyAccess, accessToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve access token: %w", err)
	}

	var (
		tokenCmd *redis.StringCmd
		usageCmd *redis.MapStringStringCmd
	)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		tokenCmd = pipe.Get(ctx, s.key(keyToken, id))
		usageCmd = pipe.HGetAll(ctx, s.key(keyTokenUsage, id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	data, err := tokenCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	token := stored.toToken()
	usage := usageCmd.Val()
	if at, ok := usage["at"]; ok {
		if nanos, err := strconv.ParseInt(at, 10, 64); err == nil {
			token.LastUsedAt = time.Unix(0, nanos).UTC()
		}
	}
	token.LastUsedIP = usage["ip"]

	return token, nil
}

// RotateRefreshToken replaces the pair holding refreshToken in one
// MULTI/EXEC guarded by a WATCH on the refresh token key.
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken string, rotation *storage.TokenRotation) (_ *storage.Token, err error) {
	ctx, op := s.startOp(ctx, "RotateRefreshToken")
	defer func() { op.End(err) }()

	refreshKey := s.key(keyRefresh, refreshToken)

	var rotated *storedToken
	var expired bool
	err = s.watch(ctx, func(tx *redis.Tx) error {
		rotated, expired = nil, false

		id, err := tx.Get(ctx, refreshKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrTokenNotFound
			}
			return fmt.Errorf("failed to resolve refresh token: %w", err)
		}

		old, err := getJSON[storedToken](ctx, tx, s.key(keyToken, id))
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.ErrTokenNotFound
			}
			return fmt.Errorf("failed to get token: %w", err)
		}

		if !old.RefreshTokenExpiresAt.IsZero() && rotation.IssuedAt.After(old.RefreshTokenExpiresAt) {
			expired = true
		} else {
			rotated = &storedToken{
				ID:                    rotation.ID,
				AccessToken:           rotation.AccessToken,
				RefreshToken:          rotation.RefreshToken,
				AppID:                 old.AppID,
				UserID:                old.UserID,
				Scopes:                old.Scopes,
				AccessTokenExpiresAt:  rotation.AccessTokenExpiresAt,
				RefreshTokenExpiresAt: rotation.RefreshTokenExpiresAt,
				CreatedAt:             rotation.IssuedAt,
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.pipeDeleteToken(ctx, pipe, old)
			if rotated != nil {
				return s.pipeSaveToken(ctx, pipe, rotated)
			}
			return nil
		})
		return err
	}, refreshKey)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, storage.ErrTokenExpired
	}
	return rotated.toToken(), nil
}

// DeleteToken deletes the pair whose access or refresh token equals value
func (s *Store) DeleteToken(ctx context.Context, value string) (_ bool, err error) {
	ctx, op := s.startOp(ctx, "DeleteToken")
	defer func() { op.End(err) }()

	if value == "" {
		return false, nil
	}

	accessKey := s.key(keyAccess, value)
	refreshKey := s.key(keyRefresh, value)

	var deleted bool
	err = s.watch(ctx, func(tx *redis.Tx) error {
		deleted = false

		id, err := tx.Get(ctx, accessKey).Result()
		if errors.Is(err, redis.Nil) {
			id, err = tx.Get(ctx, refreshKey).Result()
		}
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve token: %w", err)
		}

		token, err := getJSON[storedToken](ctx, tx, s.key(keyToken, id))
		if errors.Is(err, redis.Nil) {
			token = &storedToken{ID: id, AccessToken: value, RefreshToken: value}
		} else if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.pipeDeleteToken(ctx, pipe, token)
			return nil
		})
		deleted = err == nil
		return err
	}, accessKey, refreshKey)
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// TouchToken records the last use of a token pair in a side hash so the
// token record itself is never rewritten.
func (s *Store) TouchToken(ctx context.Context, id string, at time.Time, ip string) (err error) {
	ctx, op := s.startOp(ctx, "TouchToken")
	defer func() { op.End(err) }()

	tokenKey := s.key(keyToken, id)
	ttl, err := s.client.PTTL(ctx, tokenKey).Result()
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	// go-redis passes PTTL's -2 (missing key) and -1 (no TTL) through unscaled.
	if ttl == -2 {
		return storage.ErrTokenNotFound
	}
	if ttl < 0 {
		ttl = 0
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.pipeTouch(ctx, pipe, id, at, ip, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

func (s *Store) pipeTouch(ctx context.Context, pipe redis.Pipeliner, id string, at time.Time, ip string, ttl time.Duration) {
	usageKey := s.key(keyTokenUsage, id)
	pipe.HSet(ctx, usageKey, "at", strconv.FormatInt(at.UnixNano(), 10), "ip", ip)
	if ttl > 0 {
		pipe.PExpire(ctx, usageKey, ttl)
	}
}

// ============================================================
// ConsentStore Implementation
// ============================================================

type storedConsent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	AppID     string    `json:"app_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertConsent creates or replaces the consent for (UserID, AppID)
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.Consent) (err error) {
	ctx, op := s.startOp(ctx, "UpsertConsent")
	defer func() { op.End(err) }()

	if consent == nil || consent.UserID == "" || consent.AppID == "" {
		return errors.New("consent user and app are required")
	}

	consentKey := s.key(keyConsent, consent.UserID, consent.AppID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		stored := storedConsent(*consent)

		existing, err := getJSON[storedConsent](ctx, tx, consentKey)
		switch {
		case err == nil:
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("failed to get consent: %w", err)
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal consent: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, consentKey, data, 0)
			pipe.SAdd(ctx, s.key(keyUserConsents, consent.UserID), consent.AppID)
			pipe.SAdd(ctx, s.key(keyAppConsents, consent.AppID), consent.UserID)
			return nil
		})
		return err
	}, consentKey)
}

// ListConsentsByUser lists a user's consents with app display fields, newest first
func (s *Store) ListConsentsByUser(ctx context.Context, userID string) (_ []*storage.ConsentWithApp, err error) {
	ctx, op := s.startOp(ctx, "ListConsentsByUser")
	defer func() { op.End(err) }()

	appIDs, err := s.client.SMembers(ctx, s.key(keyUserConsents, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user consents: %w", err)
	}

	result := make([]*storage.ConsentWithApp, 0, len(appIDs))
	for _, appID := range appIDs {
		consent, err := getJSON[storedConsent](ctx, s.client, s.key(keyConsent, userID, appID))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get consent: %w", err)
		}

		client, err := getJSON[storedClient](ctx, s.client, s.key(keyClient, appID))
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get client: %w", err)
		}

		result = append(result, &storage.ConsentWithApp{
			Consent: storage.Consent(*consent),
			App:     storage.DisplayOf(client.toClient()),
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

// DeleteConsent removes a consent with every token and code of its pair in
// one MULTI/EXEC.
func (s *Store) DeleteConsent(ctx context.Context, userID, appID string) (err error) {
	ctx, op := s.startOp(ctx, "DeleteConsent")
	defer func() { op.End(err) }()

	consentKey := s.key(keyConsent, userID, appID)
	pairTokensKey := s.key(keyPairTokens, userID, appID)
	pairCodesKey := s.key(keyPairCodes, userID, appID)

	return s.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, consentKey).Result()
		if err != nil {
			return fmt.Errorf("failed to get consent: %w", err)
		}
		if exists == 0 {
			return storage.ErrConsentNotFound
		}

		tokens, err := s.loadTokens(ctx, tx, pairTokensKey)
		if err != nil {
			return err
		}
		codes, err := s.loadCodes(ctx, tx, pairCodesKey)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range tokens {
				if t.AppID == "" {
					t.AppID, t.UserID = appID, userID
				}
				s.pipeDeleteToken(ctx, pipe, t)
			}
			for _, c := range codes {
				if c.AppID == "" {
					c.AppID, c.UserID = appID, userID
				}
				s.pipeDeleteCode(ctx, pipe, c)
			}
			pipe.Del(ctx, consentKey, pairTokensKey, pairCodesKey)
			pipe.SRem(ctx, s.key(keyUserConsents, userID), appID)
			pipe.SRem(ctx, s.key(keyAppConsents, appID), userID)
			return nil
		})
		return err
	}, consentKey, pairTokensKey, pairCodesKey)
}

// ============================================================
// UserStore Implementation
// ============================================================

type storedUser struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Image  string   `json:"image,omitempty"`
	FTP    *int     `json:"ftp,omitempty"`
	Weight *float64 `json:"weight,omitempty"`
}

// SaveUser inserts or replaces a user profile
func (s *Store) SaveUser(ctx context.Context, user *storage.UserProfile) (err error) {
	ctx, op := s.startOp(ctx, "SaveUser")
	defer func() { op.End(err) }()

	if user == nil || user.ID == "" {
		return errors.New("user id is required")
	}

	userKey := s.key(keyUser, user.ID)
	return s.watch(ctx, func(tx *redis.Tx) error {
		previous, err := getJSON[storedUser](ctx, tx, userKey)
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to get user: %w", err)
		}

		data, err := json.Marshal(storedUser(*user))
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != nil && previous.Email != "" {
				pipe.Del(ctx, s.key(keyUserEmail, strings.ToLower(previous.Email)))
			}
			pipe.Set(ctx, userKey, data, 0)
			if user.Email != "" {
				pipe.Set(ctx, s.key(keyUserEmail, strings.ToLower(user.Email)), user.ID, 0)
			}
			return nil
		})
		return err
	}, userKey)
}

// GetUserProfile retrieves a user profile by id
func (s *Store) GetUserProfile(ctx context.Context, id string) (_ *storage.UserProfile, err error) {
	ctx, op := s.startOp(ctx, "GetUserProfile")
	defer func() { op.End(err) }()

	stored, err := getJSON[storedUser](ctx, s.client, s.key(keyUser, id))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	profile := storage.UserProfile(*stored)
	return &profile, nil
}

// GetUserByEmail retrieves a user profile by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (_ *storage.UserProfile, err error) {
	ctx, op := s.startOp(ctx, "GetUserByEmail")
	defer func() { op.End(err) }()

	id, err := s.client.Get(ctx, s.key(keyUserEmail, strings.ToLower(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to resolve user email: %w", err)
	}
	return s.GetUserProfile(ctx, id)
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes codes and token pairs whose expiry is before now
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, op := s.startOp(ctx, "DeleteExpired")
	defer func() { op.End(err) }()

	before := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(now.UnixMilli(), 10)}

	codes, err := s.client.ZRangeByScore(ctx, s.key(keyCodeExpiry), before).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired codes: %w", err)
	}

	removed := 0
	for _, code := range codes {
		_, err := s.ConsumeAuthorizationCode(ctx, code)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, storage.ErrCodeNotFound):
			// Expired by TTL; drop the stale index member.
			_ = s.client.ZRem(ctx, s.key(keyCodeExpiry), code).Err()
		default:
			return removed, err
		}
	}

	ids, err := s.client.ZRangeByScore(ctx, s.key(keyTokenExpiry), before).Result()
	if err != nil {
		return removed, fmt.Errorf("failed to list expired tokens: %w", err)
	}

	for _, id := range ids {
		ok, err := s.deleteTokenByID(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	return removed, nil
}

func (s *Store) deleteTokenByID(ctx context.Context, id string) (bool, error) {
	tokenKey := s.key(keyToken, id)

	var deleted bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		token, err := getJSON[storedToken](ctx, tx, tokenKey)
		if errors.Is(err, redis.Nil) {
			deleted = false
			return tx.ZRem(ctx, s.key(keyTokenExpiry), id).Err()
		}
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.pipeDeleteToken(ctx, pipe, token)
			return nil
		})
		deleted = err == nil
		return err
	}, tokenKey)
	return deleted, err
}
