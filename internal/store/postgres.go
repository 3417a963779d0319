package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE LOWER(email) = LOWER($1)
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── Resources ──

func (s *PostgresStore) ListResources(ctx context.Context) ([]Resource, error) {
	const query = `
		SELECT id, name, slug, description, kind, status, created_by, created_at, updated_at
		FROM resources
		WHERE status <> 'archived'
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var items []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ID, &r.Name, &r.Slug, &r.Description, &r.Kind, &r.Status, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetResource(ctx context.Context, resourceID string) (Resource, error) {
	const query = `
		SELECT id, name, slug, description, kind, status, created_by, created_at, updated_at
		FROM resources WHERE id = $1
	`
	var r Resource
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&r.ID, &r.Name, &r.Slug, &r.Description, &r.Kind, &r.Status, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (s *PostgresStore) InsertResource(ctx context.Context, r Resource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, name, slug, description, kind, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Name, r.Slug, r.Description, r.Kind, r.Status, r.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateResource(ctx context.Context, resourceID, name, description, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE resources SET name=$2, description=$3, kind=$4, updated_at=NOW() WHERE id=$1
	`, resourceID, name, description, kind)
	if err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) ArchiveResource(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE resources SET status='archived', updated_at=NOW() WHERE id=$1`, resourceID)
	if err != nil {
		return fmt.Errorf("archive resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchResource(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE resources SET updated_at=NOW() WHERE id=$1`, resourceID)
	if err != nil {
		return fmt.Errorf("touch resource: %w", err)
	}
	return nil
}

// ── Blocks and block versions ──

func (s *PostgresStore) ListBlocks(ctx context.Context, resourceID string) ([]Block, error) {
	const query = `
		SELECT id, resource_id, name, type, sort_order, current_version, created_at, updated_at
		FROM blocks
		WHERE resource_id = $1 AND deleted_at IS NULL
		ORDER BY sort_order, created_at
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var items []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.ResourceID, &b.Name, &b.Type, &b.SortOrder, &b.CurrentVersion, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (Block, error) {
	const query = `
		SELECT id, resource_id, name, type, sort_order, current_version, created_at, updated_at
		FROM blocks WHERE id = $1 AND deleted_at IS NULL
	`
	var b Block
	err := s.db.QueryRowContext(ctx, query, blockID).Scan(
		&b.ID, &b.ResourceID, &b.Name, &b.Type, &b.SortOrder, &b.CurrentVersion, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return Block{}, err
	}
	return b, nil
}

// InsertBlock creates the block row together with its version 1 in one
// transaction so a block can never exist without a current version.
func (s *PostgresStore) InsertBlock(ctx context.Context, b Block, initial BlockVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert block: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (id, resource_id, name, type, sort_order, current_version)
		VALUES ($1, $2, $3, $4, $5, 1)
	`, b.ID, b.ResourceID, b.Name, b.Type, b.SortOrder); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO block_versions (id, block_id, version, payload, created_by)
		VALUES ($1, $2, 1, $3, $4)
	`, initial.ID, b.ID, payloadOrEmpty(initial.Payload), initial.CreatedBy); err != nil {
		return fmt.Errorf("insert initial block version: %w", err)
	}

	return tx.Commit()
}

// AppendBlockVersion writes the next revision of a block and advances the
// current-version pointer. Returns the new version number.
func (s *PostgresStore) AppendBlockVersion(ctx context.Context, blockID, versionID string, payload json.RawMessage, author string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `
		UPDATE blocks SET current_version = current_version + 1, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING current_version
	`, blockID).Scan(&next); err != nil {
		return 0, fmt.Errorf("bump block version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO block_versions (id, block_id, version, payload, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, versionID, blockID, next, payloadOrEmpty(payload), author); err != nil {
		return 0, fmt.Errorf("insert block version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *PostgresStore) UpdateBlockMeta(ctx context.Context, blockID, name string, sortOrder int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET name=$2, sort_order=$3, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, blockID, name, sortOrder)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE blocks SET deleted_at=NOW() WHERE id=$1`, blockID)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// CurrentBlockVersions returns the latest revision of every live block of a
// resource, in block sort order. This is the snapshot a publish captures.
func (s *PostgresStore) CurrentBlockVersions(ctx context.Context, resourceID string) ([]BlockVersion, error) {
	const query = `
		SELECT bv.id, bv.block_id, bv.version, bv.payload, bv.created_by, bv.created_at, b.name, b.type
		FROM blocks b
		JOIN block_versions bv ON bv.block_id = b.id AND bv.version = b.current_version
		WHERE b.resource_id = $1 AND b.deleted_at IS NULL
		ORDER BY b.sort_order, b.created_at
	`
	return s.queryBlockVersions(ctx, query, resourceID)
}

func (s *PostgresStore) GetBlockVersion(ctx context.Context, blockID string, version int) (BlockVersion, error) {
	const query = `
		SELECT bv.id, bv.block_id, bv.version, bv.payload, bv.created_by, bv.created_at, b.name, b.type
		FROM block_versions bv
		JOIN blocks b ON b.id = bv.block_id
		WHERE bv.block_id = $1 AND bv.version = $2
	`
	rows, err := s.queryBlockVersions(ctx, query, blockID, version)
	if err != nil {
		return BlockVersion{}, err
	}
	if len(rows) == 0 {
		return BlockVersion{}, sql.ErrNoRows
	}
	return rows[0], nil
}

func (s *PostgresStore) queryBlockVersions(ctx context.Context, query string, args ...any) ([]BlockVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query block versions: %w", err)
	}
	defer rows.Close()

	var items []BlockVersion
	for rows.Next() {
		var v BlockVersion
		var payload []byte
		if err := rows.Scan(&v.ID, &v.BlockID, &v.Version, &payload, &v.CreatedBy, &v.CreatedAt, &v.BlockName, &v.BlockType); err != nil {
			return nil, fmt.Errorf("scan block version: %w", err)
		}
		v.Payload = json.RawMessage(payload)
		items = append(items, v)
	}
	return items, rows.Err()
}

// ── Resource versions ──

// InsertResourceVersion stores the version row plus its snapshot entries in
// one transaction.
func (s *PostgresStore) InsertResourceVersion(ctx context.Context, v ResourceVersion, entryIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resource_versions (id, resource_id, name, commit_hash, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.ResourceID, v.Name, v.CommitHash, v.Status, v.CreatedBy); err != nil {
		return fmt.Errorf("insert resource version: %w", err)
	}

	for _, entryID := range entryIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_version_entries (resource_version_id, block_version_id)
			VALUES ($1, $2)
		`, v.ID, entryID); err != nil {
			return fmt.Errorf("insert version entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) ListResourceVersions(ctx context.Context, resourceID string) ([]ResourceVersion, error) {
	const query = `
		SELECT id, resource_id, name, commit_hash, status, created_by, created_at
		FROM resource_versions
		WHERE resource_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list resource versions: %w", err)
	}
	defer rows.Close()

	var items []ResourceVersion
	for rows.Next() {
		var v ResourceVersion
		if err := rows.Scan(&v.ID, &v.ResourceID, &v.Name, &v.CommitHash, &v.Status, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resource version: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetResourceVersion(ctx context.Context, resourceID, name string) (ResourceVersion, error) {
	const query = `
		SELECT id, resource_id, name, commit_hash, status, created_by, created_at
		FROM resource_versions
		WHERE resource_id = $1 AND name = $2
	`
	var v ResourceVersion
	err := s.db.QueryRowContext(ctx, query, resourceID, name).Scan(
		&v.ID, &v.ResourceID, &v.Name, &v.CommitHash, &v.Status, &v.CreatedBy, &v.CreatedAt,
	)
	if err != nil {
		return ResourceVersion{}, err
	}
	return v, nil
}

// VersionEntries returns the snapshot of block versions captured by a
// published resource version, in block sort order.
func (s *PostgresStore) VersionEntries(ctx context.Context, resourceVersionID string) ([]BlockVersion, error) {
	const query = `
		SELECT bv.id, bv.block_id, bv.version, bv.payload, bv.created_by, bv.created_at, b.name, b.type
		FROM resource_version_entries rve
		JOIN block_versions bv ON bv.id = rve.block_version_id
		JOIN blocks b ON b.id = bv.block_id
		WHERE rve.resource_version_id = $1
		ORDER BY b.sort_order, b.created_at
	`
	return s.queryBlockVersions(ctx, query, resourceVersionID)
}

// ── Pull requests ──

func (s *PostgresStore) InsertPullRequest(ctx context.Context, pr PullRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_requests (id, resource_id, version_name, repo_full_name, number, url, state, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, pr.ID, pr.ResourceID, pr.VersionName, pr.RepoFullName, pr.Number, pr.URL, pr.State, pr.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert pull request: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPullRequests(ctx context.Context, resourceID string) ([]PullRequest, error) {
	const query = `
		SELECT id, resource_id, version_name, repo_full_name, number, url, state, created_by, created_at
		FROM pull_requests WHERE resource_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	var items []PullRequest
	for rows.Next() {
		var pr PullRequest
		if err := rows.Scan(&pr.ID, &pr.ResourceID, &pr.VersionName, &pr.RepoFullName, &pr.Number, &pr.URL, &pr.State, &pr.CreatedBy, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		items = append(items, pr)
	}
	return items, rows.Err()
}

// ── Audit events ──

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_name, resource_id, payload)
		VALUES ($1, $2, $3, $4)
	`, event.EventType, event.ActorName, event.ResourceID, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, resourceID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT id, event_type, actor_name, resource_id, payload, created_at
		FROM audit_events
		WHERE resource_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var items []AuditEvent
	for rows.Next() {
		var event AuditEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.EventType, &event.ActorName, &event.ResourceID, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload: %w", err)
			}
		}
		items = append(items, event)
	}
	return items, rows.Err()
}

func payloadOrEmpty(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte(`{}`)
	}
	return []byte(payload)
}
