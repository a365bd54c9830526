package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"docuflow/api/internal/workflow"
)

var (
	// ErrReviewConflict means the request left ONREVIEW between read and
	// write, e.g. two admins racing on the same request.
	ErrReviewConflict = errors.New("permission request already reviewed")
	// ErrDuplicateOpenRequest surfaces the partial unique index guarding
	// one ONREVIEW request per document.
	ErrDuplicateOpenRequest = errors.New("document already has a request on review")
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

const userColumns = `id, name, username, password_hash, role, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns+`
	`, user.Name, user.Username, user.PasswordHash, user.Role)
	created, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
	return scanUser(row)
}

func (s *PostgresStore) ListAdmins(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE role='ADMIN' ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var admins []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		admins = append(admins, user)
	}
	return admins, rows.Err()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.username, u.password_hash, u.role, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash)
	return scanUser(row)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const documentColumns = `
	d.id, d.name_doc, d.url_doc, d.status,
	d.is_replace_permission, d.is_remove_permission,
	d.user_id, d.created_by, COALESCE(d.updated_by, ''),
	d.created_at, d.updated_at,
	u.name, u.username
`

func scanDocument(scanner interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := scanner.Scan(
		&doc.ID, &doc.NameDoc, &doc.URLDoc, &doc.Status,
		&doc.IsReplacePermission, &doc.IsRemovePermission,
		&doc.UserID, &doc.CreatedBy, &doc.UpdatedBy,
		&doc.CreatedAt, &doc.UpdatedAt,
		&doc.OwnerName, &doc.OwnerUsername,
	)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (name_doc, url_doc, status, is_replace_permission, is_remove_permission, user_id, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, doc.NameDoc, doc.URLDoc, doc.Status, doc.IsReplacePermission, doc.IsRemovePermission, doc.UserID, doc.CreatedBy, doc.UpdatedBy).Scan(&id)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return s.GetDocument(ctx, id)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		JOIN users u ON u.id = d.user_id
		WHERE d.id = $1
	`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) listDocuments(ctx context.Context, where string, args []any, limit, offset int) ([]Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		JOIN users u ON u.id = d.user_id
	`
	if where != "" {
		query += " WHERE " + where
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY d.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var documents []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}

func (s *PostgresStore) ListDocuments(ctx context.Context, search string, limit, offset int) ([]Document, error) {
	if search = strings.TrimSpace(search); search != "" {
		return s.listDocuments(ctx, "d.name_doc ILIKE $1", []any{"%" + search + "%"}, limit, offset)
	}
	return s.listDocuments(ctx, "", nil, limit, offset)
}

func (s *PostgresStore) ListDocumentsByOwner(ctx context.Context, userID int64, search string, limit, offset int) ([]Document, error) {
	if search = strings.TrimSpace(search); search != "" {
		return s.listDocuments(ctx, "d.user_id = $1 AND d.name_doc ILIKE $2", []any{userID, "%" + search + "%"}, limit, offset)
	}
	return s.listDocuments(ctx, "d.user_id = $1", []any{userID}, limit, offset)
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID int64, update DocumentUpdate) (Document, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET name_doc = COALESCE($2, name_doc),
			url_doc = COALESCE($3, url_doc),
			updated_by = $4,
			updated_at = NOW()
		WHERE id = $1
	`, documentID, update.NameDoc, update.URLDoc, update.UpdatedBy)
	if err != nil {
		return Document{}, fmt.Errorf("update document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Document{}, sql.ErrNoRows
	}
	return s.GetDocument(ctx, documentID)
}

func (s *PostgresStore) SetDocumentStatus(ctx context.Context, documentID int64, status workflow.DocumentStatus, updatedBy string) (Document, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, updated_by = $3, updated_at = NOW()
		WHERE id = $1
	`, documentID, status, updatedBy)
	if err != nil {
		return Document{}, fmt.Errorf("set document status: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Document{}, sql.ErrNoRows
	}
	return s.GetDocument(ctx, documentID)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const requestColumns = `
	pr.id, pr.document_id, pr.user_id, pr.admin_id,
	pr.request_type, pr.status_permission,
	COALESCE(pr.message, ''), COALESCE(pr.admin_note, ''),
	pr.reviewed_at, pr.created_at, pr.updated_at,
	d.name_doc, d.url_doc, d.status,
	requester.name, requester.username,
	reviewer.name, reviewer.username
`

const requestJoins = `
	FROM permission_requests pr
	JOIN documents d ON d.id = pr.document_id
	JOIN users requester ON requester.id = pr.user_id
	JOIN users reviewer ON reviewer.id = pr.admin_id
`

func scanPermissionRequest(scanner interface{ Scan(...any) error }) (PermissionRequest, error) {
	var req PermissionRequest
	err := scanner.Scan(
		&req.ID, &req.DocumentID, &req.UserID, &req.AdminID,
		&req.RequestType, &req.StatusPermission,
		&req.Message, &req.AdminNote,
		&req.ReviewedAt, &req.CreatedAt, &req.UpdatedAt,
		&req.DocumentName, &req.DocumentURL, &req.DocumentStatus,
		&req.RequesterName, &req.RequesterUser,
		&req.AdminName, &req.AdminUser,
	)
	if err != nil {
		return PermissionRequest{}, err
	}
	return req, nil
}

func (s *PostgresStore) InsertPermissionRequest(ctx context.Context, req PermissionRequest) (PermissionRequest, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO permission_requests (document_id, user_id, admin_id, request_type, status_permission, message)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id
	`, req.DocumentID, req.UserID, req.AdminID, req.RequestType, req.StatusPermission, req.Message).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PermissionRequest{}, ErrDuplicateOpenRequest
		}
		return PermissionRequest{}, fmt.Errorf("insert permission request: %w", err)
	}
	return s.GetPermissionRequest(ctx, id)
}

func (s *PostgresStore) GetPermissionRequest(ctx context.Context, requestID int64) (PermissionRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+requestJoins+` WHERE pr.id = $1`, requestID)
	return scanPermissionRequest(row)
}

func (s *PostgresStore) HasOpenRequest(ctx context.Context, documentID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM permission_requests WHERE document_id=$1 AND status_permission='ONREVIEW')
	`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open request: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) listPermissionRequests(ctx context.Context, where string, args []any, limit, offset int) ([]PermissionRequest, error) {
	args = append(args, limit, offset)
	query := `SELECT ` + requestColumns + requestJoins + ` WHERE ` + where +
		fmt.Sprintf(" ORDER BY pr.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list permission requests: %w", err)
	}
	defer rows.Close()

	var requests []PermissionRequest
	for rows.Next() {
		req, err := scanPermissionRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *PostgresStore) ListRequestsForAdmin(ctx context.Context, adminID int64, limit, offset int) ([]PermissionRequest, error) {
	return s.listPermissionRequests(ctx, "pr.admin_id = $1", []any{adminID}, limit, offset)
}

func (s *PostgresStore) ListRequestsForUser(ctx context.Context, userID int64, limit, offset int) ([]PermissionRequest, error) {
	return s.listPermissionRequests(ctx, "pr.user_id = $1", []any{userID}, limit, offset)
}

// ApplyReview marks the request decided and moves the document to its
// computed status in one transaction. The ONREVIEW predicate on the
// request update makes a lost race surface as ErrReviewConflict instead
// of a double review.
func (s *PostgresStore) ApplyReview(ctx context.Context, review ReviewUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE permission_requests
		SET status_permission = $2,
			admin_note = NULLIF($3, ''),
			reviewed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status_permission = 'ONREVIEW'
	`, review.RequestID, review.Decision, review.AdminNote)
	if err != nil {
		return fmt.Errorf("update permission request: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrReviewConflict
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET status = $2,
			is_replace_permission = is_replace_permission OR $3,
			is_remove_permission = is_remove_permission OR $4,
			updated_by = $5,
			updated_at = NOW()
		WHERE id = $1
	`, review.DocumentID, review.NextStatus, review.GrantReplace, review.GrantRemove, review.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review tx: %w", err)
	}
	return nil
}
