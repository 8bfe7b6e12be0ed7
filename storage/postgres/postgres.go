// Package postgres provides a PostgreSQL implementation of storage.Store
// built on pgx. Cascades, code consumption and refresh token rotation run
// inside explicit transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	backendName = "postgres"

	// uniqueViolation is the SQLSTATE for unique constraint violations
	uniqueViolation = "23505"
)

// Store is a PostgreSQL implementation of storage.Store
type Store struct {
	pool            *pgxpool.Pool
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

var (
	_ storage.Store      = (*Store)(nil)
	_ storage.UserWriter = (*Store)(nil)
)

// New connects to the database at dsn and verifies the connection
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return NewWithPool(pool), nil
}

// NewWithPool creates a Store on an existing pool. The store takes
// ownership of the pool and closes it in Close.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default(),
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

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) startOp(ctx context.Context, operation string) (context.Context, *instrumentation.StorageOp) {
	return instrumentation.StartStorageOp(ctx, s.instrumentation, backendName, operation)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ============================================================
// ClientStore Implementation
// ============================================================

const clientColumns = `id, client_id, client_secret_hash, name, description, homepage_url, logo_url,
	redirect_uris, is_trusted, is_public, owner_id, created_at, updated_at`

func scanClient(row rowScanner, extra ...any) (*storage.Client, error) {
	var c storage.Client
	dest := []any{
		&c.ID, &c.ClientID, &c.ClientSecretHash, &c.Name, &c.Description, &c.HomepageURL, &c.LogoURL,
		&c.RedirectURIs, &c.IsTrusted, &c.IsPublic, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveClient inserts a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, op := s.startOp(ctx, "SaveClient")
	defer func() { op.End(err) }()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_apps (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		client.ID, client.ClientID, client.ClientSecretHash, client.Name, client.Description,
		client.HomepageURL, client.LogoURL, textArray(client.RedirectURIs), client.IsTrusted, client.IsPublic,
		client.OwnerID, client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateClientID, client.ClientID)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by internal id
func (s *Store) GetClient(ctx context.Context, id string) (_ *storage.Client, err error) {
	ctx, op := s.startOp(ctx, "GetClient")
	defer func() { op.End(err) }()

	client, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_apps WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// GetClientByClientID retrieves a client by its public client id
func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, op := s.startOp(ctx, "GetClientByClientID")
	defer func() { op.End(err) }()

	client, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_apps WHERE client_id = $1`, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// ListClientsByOwner lists an owner's clients, newest first, with counts
func (s *Store) ListClientsByOwner(ctx context.Context, ownerID string) (_ []*storage.ClientSummary, err error) {
	ctx, op := s.startOp(ctx, "ListClientsByOwner")
	defer func() { op.End(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT `+clientColumns+`,
			(SELECT count(*) FROM oauth_tokens t WHERE t.app_id = a.id),
			(SELECT count(*) FROM oauth_consents c WHERE c.app_id = a.id)
		FROM oauth_apps a
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	summaries := make([]*storage.ClientSummary, 0)
	for rows.Next() {
		var tokens, consents int
		client, err := scanClient(rows, &tokens, &consents)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		summaries = append(summaries, &storage.ClientSummary{
			Client:       *client,
			TokenCount:   tokens,
			ConsentCount: consents,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	return summaries, nil
}

// UpdateClientSecret replaces the stored secret hash
func (s *Store) UpdateClientSecret(ctx context.Context, id, secretHash string) (err error) {
	ctx, op := s.startOp(ctx, "UpdateClientSecret")
	defer func() { op.End(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_apps SET client_secret_hash = $2, updated_at = now() WHERE id = $1`,
		id, secretHash)
	if err != nil {
		return fmt.Errorf("failed to update client secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
	}
	return nil
}

// DeleteClient removes a client with its tokens, codes and consents in one transaction
func (s *Store) DeleteClient(ctx context.Context, id string) (err error) {
	ctx, op := s.startOp(ctx, "DeleteClient")
	defer func() { op.End(err) }()

	var tokens int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM oauth_tokens WHERE app_id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete tokens: %w", err)
		}
		tokens = tag.RowsAffected()

		if _, err := tx.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE app_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete authorization codes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM oauth_consents WHERE app_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete consents: %w", err)
		}

		tag, err = tx.Exec(ctx, `DELETE FROM oauth_apps WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete client: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", storage.ErrClientNotFound, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Deleted client", "app_id", id, "tokens_removed", tokens)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, op := s.startOp(ctx, "SaveAuthorizationCode")
	defer func() { op.End(err) }()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_authorization_codes
			(code, app_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		code.Code, code.AppID, code.UserID, code.RedirectURI, textArray(code.Scopes),
		code.CodeChallenge, code.CodeChallengeMethod, code.CreatedAt, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode deletes a code and returns it. DELETE ... RETURNING
// locks the row, so concurrent consumers see it at most once.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, op := s.startOp(ctx, "ConsumeAuthorizationCode")
	defer func() { op.End(err) }()

	var c storage.AuthorizationCode
	err = s.pool.QueryRow(ctx,
		`DELETE FROM oauth_authorization_codes WHERE code = $1
		RETURNING code, app_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method, created_at, expires_at`,
		code,
	).Scan(&c.Code, &c.AppID, &c.UserID, &c.RedirectURI, &c.Scopes,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return &c, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

const tokenColumns = `id, access_token, refresh_token, app_id, user_id, scopes,
	access_token_expires_at, refresh_token_expires_at, last_used_at, last_used_ip, created_at`

func scanToken(row rowScanner) (*storage.Token, error) {
	var (
		t              storage.Token
		refreshToken   *string
		refreshExpires *time.Time
		lastUsedAt     *time.Time
		lastUsedIP     *string
	)
	err := row.Scan(&t.ID, &t.AccessToken, &refreshToken, &t.AppID, &t.UserID, &t.Scopes,
		&t.AccessTokenExpiresAt, &refreshExpires, &lastUsedAt, &lastUsedIP, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if refreshToken != nil {
		t.RefreshToken = *refreshToken
	}
	if refreshExpires != nil {
		t.RefreshTokenExpiresAt = *refreshExpires
	}
	if lastUsedAt != nil {
		t.LastUsedAt = *lastUsedAt
	}
	if lastUsedIP != nil {
		t.LastUsedIP = *lastUsedIP
	}
	return &t, nil
}

func insertToken(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, t *storage.Token) error {
	_, err := q.Exec(ctx,
		`INSERT INTO oauth_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.AccessToken, nullString(t.RefreshToken), t.AppID, t.UserID, textArray(t.Scopes),
		t.AccessTokenExpiresAt, nullTime(t.RefreshTokenExpiresAt), nullTime(t.LastUsedAt),
		nullString(t.LastUsedIP), t.CreatedAt,
	)
	return err
}

// SaveToken saves a newly issued token pair
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, op := s.startOp(ctx, "SaveToken")
	defer func() { op.End(err) }()

	if err = insertToken(ctx, s.pool, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// GetTokenByAccessToken looks up a token pair by access token value
func (s *Store) GetTokenByAccessToken(ctx context.Context, accessToken string) (_ *storage.Token, err error) {
	ctx, op := s.startOp(ctx, "GetTokenByAccessToken")
	defer func() { op.End(err) }()

	token, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE access_token = $1`, accessToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

// RotateRefreshToken deletes the pair holding refreshToken and inserts its
// replacement in one transaction.
func (s *Store) RotateRefreshToken(ctx context.Context, refreshToken string, rotation *storage.TokenRotation) (_ *storage.Token, err error) {
	ctx, op := s.startOp(ctx, "RotateRefreshToken")
	defer func() { op.End(err) }()

	var (
		rotated *storage.Token
		expired bool
	)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		old, err := scanToken(tx.QueryRow(ctx,
			`DELETE FROM oauth_tokens WHERE refresh_token = $1 RETURNING `+tokenColumns, refreshToken))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrTokenNotFound
			}
			return fmt.Errorf("failed to delete rotated token: %w", err)
		}

		if !old.RefreshTokenExpiresAt.IsZero() && rotation.IssuedAt.After(old.RefreshTokenExpiresAt) {
			// Commit the delete; the expired pair must not linger.
			expired = true
			return nil
		}

		rotated = &storage.Token{
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
		if err := insertToken(ctx, tx, rotated); err != nil {
			return fmt.Errorf("failed to insert rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, storage.ErrTokenExpired
	}
	return rotated, nil
}

// DeleteToken deletes the pair whose access or refresh token equals value
func (s *Store) DeleteToken(ctx context.Context, value string) (_ bool, err error) {
	ctx, op := s.startOp(ctx, "DeleteToken")
	defer func() { op.End(err) }()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_tokens WHERE access_token = $1 OR refresh_token = $1`, value)
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchToken records the last use of a token pair
func (s *Store) TouchToken(ctx context.Context, id string, at time.Time, ip string) (err error) {
	ctx, op := s.startOp(ctx, "TouchToken")
	defer func() { op.End(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_tokens SET last_used_at = $2, last_used_ip = $3 WHERE id = $1`,
		id, at, nullString(ip))
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTokenNotFound
	}
	return nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// UpsertConsent creates or replaces the consent for (UserID, AppID)
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.Consent) (err error) {
	ctx, op := s.startOp(ctx, "UpsertConsent")
	defer func() { op.End(err) }()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_consents (id, user_id, app_id, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, app_id)
		DO UPDATE SET scopes = EXCLUDED.scopes, updated_at = EXCLUDED.updated_at`,
		consent.ID, consent.UserID, consent.AppID, textArray(consent.Scopes), consent.CreatedAt, consent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}
	return nil
}

// ListConsentsByUser lists a user's consents with app display fields, newest first
func (s *Store) ListConsentsByUser(ctx context.Context, userID string) (_ []*storage.ConsentWithApp, err error) {
	ctx, op := s.startOp(ctx, "ListConsentsByUser")
	defer func() { op.End(err) }()

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_id, c.app_id, c.scopes, c.created_at, c.updated_at,
			a.id, a.name, a.description, a.homepage_url, a.logo_url
		FROM oauth_consents c
		JOIN oauth_apps a ON a.id = c.app_id
		WHERE c.user_id = $1
		ORDER BY c.created_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	result := make([]*storage.ConsentWithApp, 0)
	for rows.Next() {
		var c storage.ConsentWithApp
		if err := rows.Scan(&c.ID, &c.UserID, &c.AppID, &c.Scopes, &c.CreatedAt, &c.UpdatedAt,
			&c.App.ID, &c.App.Name, &c.App.Description, &c.App.HomepageURL, &c.App.LogoURL); err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}

	return result, nil
}

// DeleteConsent removes a consent with every token and code of its pair in one transaction
func (s *Store) DeleteConsent(ctx context.Context, userID, appID string) (err error) {
	ctx, op := s.startOp(ctx, "DeleteConsent")
	defer func() { op.End(err) }()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM oauth_consents WHERE user_id = $1 AND app_id = $2`, userID, appID)
		if err != nil {
			return fmt.Errorf("failed to delete consent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrConsentNotFound
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM oauth_tokens WHERE user_id = $1 AND app_id = $2`, userID, appID); err != nil {
			return fmt.Errorf("failed to delete tokens: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM oauth_authorization_codes WHERE user_id = $1 AND app_id = $2`, userID, appID); err != nil {
			return fmt.Errorf("failed to delete authorization codes: %w", err)
		}
		return nil
	})
}

// ============================================================
// UserStore Implementation
// ============================================================

const userColumns = `id, name, email, image, ftp, weight`

func scanUser(row rowScanner) (*storage.UserProfile, error) {
	var u storage.UserProfile
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Image, &u.FTP, &u.Weight); err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUser inserts or replaces a user profile
func (s *Store) SaveUser(ctx context.Context, user *storage.UserProfile) (err error) {
	ctx, op := s.startOp(ctx, "SaveUser")
	defer func() { op.End(err) }()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email,
			image = EXCLUDED.image, ftp = EXCLUDED.ftp, weight = EXCLUDED.weight`,
		user.ID, user.Name, user.Email, user.Image, user.FTP, user.Weight,
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUserProfile retrieves a user profile by id
func (s *Store) GetUserProfile(ctx context.Context, id string) (_ *storage.UserProfile, err error) {
	ctx, op := s.startOp(ctx, "GetUserProfile")
	defer func() { op.End(err) }()

	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user profile by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (_ *storage.UserProfile, err error) {
	ctx, op := s.startOp(ctx, "GetUserByEmail")
	defer func() { op.End(err) }()

	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ============================================================
// Cleanup
// ============================================================

// DeleteExpired removes expired codes and token pairs in one transaction
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, op := s.startOp(ctx, "DeleteExpired")
	defer func() { op.End(err) }()

	var removed int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM oauth_authorization_codes WHERE expires_at < $1`, now)
		if err != nil {
			return fmt.Errorf("failed to delete expired codes: %w", err)
		}
		removed += tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM oauth_tokens
			WHERE COALESCE(refresh_token_expires_at, access_token_expires_at) < $1`, now)
		if err != nil {
			return fmt.Errorf("failed to delete expired tokens: %w", err)
		}
		removed += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// textArray maps nil to an empty array; pgx encodes a nil slice as NULL.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
