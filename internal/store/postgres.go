package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
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

// governed runs fn inside a transaction whose session carries the
// caller identity via set_config. The database's row policies read
// app.user_id / app.user_role; the application never filters rows
// itself.
func (s *PostgresStore) governed(ctx context.Context, id Identity, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		SELECT set_config('app.user_id', $1, true),
		       set_config('app.user_role', $2, true)
	`, id.UserID, id.Role); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set identity: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ── Users ──

const userColumns = `id, email, display_name, password_hash, role, is_email_verified,
	COALESCE(verification_token, ''), verification_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.IsEmailVerified,
		&u.VerificationToken, &u.VerificationExpiresAt, &u.DeactivatedAt, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Role, u.IsEmailVerified, u.VerificationToken, u.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, _ := result.RowsAffected()
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
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
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
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is absent) ──

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
	const query = `
		SELECT u.id, u.display_name, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Role)
	if err != nil {
		return User{}, err
	}
	if user.Role == "" {
		user.Role = "agent"
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

// ── Properties ──

const propertyColumns = `id, name, address, city, property_type, units, status,
	COALESCE(created_by, ''), COALESCE(updated_by, ''), created_at, updated_at`

func scanProperties(rows *sql.Rows) ([]Property, error) {
	defer rows.Close()
	var items []Property
	for rows.Next() {
		var p Property
		if err := rows.Scan(&p.ID, &p.Name, &p.Address, &p.City, &p.PropertyType, &p.Units,
			&p.Status, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ListProperties returns non-Review rows only; Review rows surface
// through ListReviewQueue alone.
func (s *PostgresStore) ListProperties(ctx context.Context, id Identity, filter PropertyFilter) ([]Property, error) {
	var items []Property
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		query := `SELECT ` + propertyColumns + ` FROM properties WHERE status <> 'Review'`
		args := []any{}
		if filter.Status != "" {
			args = append(args, filter.Status)
			query += fmt.Sprintf(" AND status = $%d", len(args))
		}
		if filter.City != "" {
			args = append(args, filter.City)
			query += fmt.Sprintf(" AND city = $%d", len(args))
		}
		if filter.PropertyType != "" {
			args = append(args, filter.PropertyType)
			query += fmt.Sprintf(" AND property_type = $%d", len(args))
		}
		query += " ORDER BY created_at DESC"
		args = append(args, normalizeLimit(filter.Limit), filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list properties: %w", err)
		}
		items, err = scanProperties(rows)
		return err
	})
	return items, err
}

func (s *PostgresStore) GetProperty(ctx context.Context, id Identity, propertyID string) (Property, error) {
	var p Property
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id=$1`, propertyID)
		return row.Scan(&p.ID, &p.Name, &p.Address, &p.City, &p.PropertyType, &p.Units,
			&p.Status, &p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	})
	return p, err
}

func (s *PostgresStore) CreateProperty(ctx context.Context, id Identity, p Property) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO properties (id, name, address, city, property_type, units, status, created_by, updated_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, p.ID, p.Name, p.Address, p.City, p.PropertyType, p.Units, p.Status, id.UserID)
		if err != nil {
			return fmt.Errorf("insert property: %w", err)
		}
		return nil
	})
}

// allowed dirty-field columns per table; anything else in the patch map
// is rejected before SQL is built.
var propertyPatchColumns = map[string]struct{}{
	"name": {}, "address": {}, "city": {}, "property_type": {}, "units": {},
}

var leasePatchColumns = map[string]struct{}{
	"tenant_contact_id": {}, "status": {}, "rent_amount": {}, "start_date": {}, "end_date": {},
}

var ErrNoPatchFields = errors.New("no updatable fields in patch")

func buildPatch(table string, recordID string, allowed map[string]struct{}, fields map[string]any, updatedBy string) (string, []any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := allowed[k]; !ok {
			return "", nil, fmt.Errorf("field %q is not updatable", k)
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", nil, ErrNoPatchFields
	}
	sort.Strings(keys)

	var sets []string
	args := []any{recordID}
	for _, k := range keys {
		args = append(args, fields[k])
		sets = append(sets, fmt.Sprintf("%s=$%d", k, len(args)))
	}
	if updatedBy != "" {
		args = append(args, updatedBy)
		sets = append(sets, fmt.Sprintf("updated_by=$%d", len(args)))
	}
	sets = append(sets, "updated_at=NOW()")
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=$1", table, strings.Join(sets, ", "))
	return query, args, nil
}

// UpdatePropertyFields applies a dirty-field patch: only the columns the
// caller actually changed are written.
func (s *PostgresStore) UpdatePropertyFields(ctx context.Context, id Identity, propertyID string, fields map[string]any) error {
	query, args, err := buildPatch("properties", propertyID, propertyPatchColumns, fields, id.UserID)
	if err != nil {
		return err
	}
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("patch property: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) UpdatePropertyStatus(ctx context.Context, id Identity, propertyID, status string) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE properties SET status=$2, updated_by=$3, updated_at=NOW()
			WHERE id=$1 AND status <> 'Review'
		`, propertyID, status, id.UserID)
		if err != nil {
			return fmt.Errorf("update property status: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) ListReviewQueue(ctx context.Context, id Identity) ([]Property, error) {
	var items []Property
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+propertyColumns+` FROM properties WHERE status='Review' ORDER BY created_at DESC
		`)
		if err != nil {
			return fmt.Errorf("list review queue: %w", err)
		}
		items, err = scanProperties(rows)
		return err
	})
	return items, err
}

// ApproveProperty flips Review to Available. Zero rows affected means
// the property is gone or already out of Review.
func (s *PostgresStore) ApproveProperty(ctx context.Context, id Identity, propertyID string) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE properties SET status='Available', updated_by=$2, updated_at=NOW()
			WHERE id=$1 AND status='Review'
		`, propertyID, id.UserID)
		if err != nil {
			return fmt.Errorf("approve property: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteProperty is the reject path: there is no Rejected status, the
// row is removed outright.
func (s *PostgresStore) DeleteProperty(ctx context.Context, id Identity, propertyID string) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM properties WHERE id=$1`, propertyID)
		if err != nil {
			return fmt.Errorf("delete property: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) ActiveLeaseCount(ctx context.Context, id Identity, propertyID string) (int, error) {
	var count int
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM leases WHERE property_id=$1 AND status='active'
		`, propertyID).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count active leases: %w", err)
	}
	return count, nil
}

// ── Leases ──

const leaseColumns = `id, property_id, COALESCE(tenant_contact_id, ''), status, rent_amount,
	start_date, end_date, created_at, updated_at`

func (s *PostgresStore) ListLeases(ctx context.Context, id Identity, propertyID string, limit, offset int) ([]Lease, error) {
	var items []Lease
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		query := `SELECT ` + leaseColumns + ` FROM leases`
		args := []any{}
		if propertyID != "" {
			args = append(args, propertyID)
			query += " WHERE property_id=$1"
		}
		query += " ORDER BY created_at DESC"
		args = append(args, normalizeLimit(limit), offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list leases: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var l Lease
			if err := rows.Scan(&l.ID, &l.PropertyID, &l.TenantContactID, &l.Status, &l.RentAmount,
				&l.StartDate, &l.EndDate, &l.CreatedAt, &l.UpdatedAt); err != nil {
				return fmt.Errorf("scan lease: %w", err)
			}
			items = append(items, l)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PostgresStore) GetLease(ctx context.Context, id Identity, leaseID string) (Lease, error) {
	var l Lease
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id=$1`, leaseID).
			Scan(&l.ID, &l.PropertyID, &l.TenantContactID, &l.Status, &l.RentAmount,
				&l.StartDate, &l.EndDate, &l.CreatedAt, &l.UpdatedAt)
	})
	return l, err
}

func (s *PostgresStore) CreateLease(ctx context.Context, id Identity, l Lease) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO leases (id, property_id, tenant_contact_id, status, rent_amount, start_date, end_date)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		`, l.ID, l.PropertyID, l.TenantContactID, l.Status, l.RentAmount, l.StartDate, l.EndDate)
		if err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateLeaseFields(ctx context.Context, id Identity, leaseID string, fields map[string]any) error {
	query, args, err := buildPatch("leases", leaseID, leasePatchColumns, fields, "")
	if err != nil {
		return err
	}
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("patch lease: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ── Contacts ──

const contactColumns = `id, name, COALESCE(email, ''), COALESCE(phone, ''), contact_type, COALESCE(notes, ''), created_at, updated_at`

func (s *PostgresStore) ListContacts(ctx context.Context, id Identity, limit, offset int) ([]Contact, error) {
	var items []Contact
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+contactColumns+` FROM contacts ORDER BY created_at DESC LIMIT $1 OFFSET $2
		`, normalizeLimit(limit), offset)
		if err != nil {
			return fmt.Errorf("list contacts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c Contact
			if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.ContactType, &c.Notes, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return fmt.Errorf("scan contact: %w", err)
			}
			items = append(items, c)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PostgresStore) GetContact(ctx context.Context, id Identity, contactID string) (Contact, error) {
	var c Contact
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=$1`, contactID).
			Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.ContactType, &c.Notes, &c.CreatedAt, &c.UpdatedAt)
	})
	return c, err
}

func (s *PostgresStore) CreateContact(ctx context.Context, id Identity, c Contact) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (id, name, email, phone, contact_type, notes)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''))
		`, c.ID, c.Name, c.Email, c.Phone, c.ContactType, c.Notes)
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateContact(ctx context.Context, id Identity, c Contact) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE contacts SET name=$2, email=NULLIF($3, ''), phone=NULLIF($4, ''), contact_type=$5, notes=NULLIF($6, ''), updated_at=NOW()
			WHERE id=$1
		`, c.ID, c.Name, c.Email, c.Phone, c.ContactType, c.Notes)
		if err != nil {
			return fmt.Errorf("update contact: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (s *PostgresStore) DeleteContact(ctx context.Context, id Identity, contactID string) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id=$1`, contactID)
		if err != nil {
			return fmt.Errorf("delete contact: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ── Document registry ──

const registryColumns = `id, user_id, file_name, document_type, extraction_status,
	COALESCE(confidence, 0), COALESCE(remarks, ''), created_at, updated_at`

func (s *PostgresStore) ListRegistryEntries(ctx context.Context, id Identity, filter RegistryFilter) ([]RegistryEntry, error) {
	var items []RegistryEntry
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		query := `SELECT ` + registryColumns + ` FROM document_registry WHERE 1=1`
		args := []any{}
		if filter.Status != "" {
			args = append(args, filter.Status)
			query += fmt.Sprintf(" AND extraction_status = $%d", len(args))
		}
		if filter.UserID != "" {
			args = append(args, filter.UserID)
			query += fmt.Sprintf(" AND user_id = $%d", len(args))
		}
		query += " ORDER BY created_at DESC"
		args = append(args, normalizeLimit(filter.Limit), filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list registry: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e RegistryEntry
			if err := rows.Scan(&e.ID, &e.UserID, &e.FileName, &e.DocumentType, &e.ExtractionStatus,
				&e.Confidence, &e.Remarks, &e.CreatedAt, &e.UpdatedAt); err != nil {
				return fmt.Errorf("scan registry entry: %w", err)
			}
			items = append(items, e)
		}
		return rows.Err()
	})
	return items, err
}

func (s *PostgresStore) CountRegistryByStatus(ctx context.Context, id Identity, status string) (int, error) {
	var count int
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM document_registry WHERE extraction_status=$1
		`, status).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count registry: %w", err)
	}
	return count, nil
}

// serviceIdentity is the API acting as itself, for pre-flight checks
// that must see rows across every user. The registry_service_select
// policy keys off the role.
var serviceIdentity = Identity{UserID: "system", Username: "system", Role: "service"}

// FailedEntryExists is the duplicate-upload guard: the check is global
// across users, not scoped to the caller, so it runs under the service
// identity rather than the caller's.
func (s *PostgresStore) FailedEntryExists(ctx context.Context, fileName string) (bool, error) {
	var exists bool
	err := s.governed(ctx, serviceIdentity, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM document_registry WHERE file_name=$1 AND extraction_status='FAILED')
		`, fileName).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check failed entry: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteRegistryEntry(ctx context.Context, id Identity, entryID string) error {
	return s.governed(ctx, id, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM document_registry WHERE id=$1`, entryID)
		if err != nil {
			return fmt.Errorf("delete registry entry: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ── Audit trail ──

// InsertAudit appends one audit row. Callers treat failures as
// best-effort; nothing rolls back the operation being audited.
func (s *PostgresStore) InsertAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, username, role, action_type, table_name, record_id, description, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''))
	`, e.UserID, e.Username, e.Role, e.ActionType, e.TableName, e.RecordID, e.Description, e.IPAddress, e.UserAgent)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, id Identity, filter AuditFilter) ([]AuditEntry, error) {
	var items []AuditEntry
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		query := `
			SELECT id, user_id, username, role, action_type, table_name,
				COALESCE(record_id, ''), description, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
			FROM audit_log WHERE 1=1`
		args := []any{}
		if filter.ActionType != "" {
			args = append(args, filter.ActionType)
			query += fmt.Sprintf(" AND action_type = $%d", len(args))
		}
		if filter.TableName != "" {
			args = append(args, filter.TableName)
			query += fmt.Sprintf(" AND table_name = $%d", len(args))
		}
		if filter.UserID != "" {
			args = append(args, filter.UserID)
			query += fmt.Sprintf(" AND user_id = $%d", len(args))
		}
		query += " ORDER BY created_at DESC"
		args = append(args, normalizeLimit(filter.Limit), filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list audit: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e AuditEntry
			if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Role, &e.ActionType, &e.TableName,
				&e.RecordID, &e.Description, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan audit entry: %w", err)
			}
			items = append(items, e)
		}
		return rows.Err()
	})
	return items, err
}

// ── Dashboard ──

func (s *PostgresStore) DashboardCounts(ctx context.Context, id Identity) (DashboardCounts, error) {
	counts := DashboardCounts{
		PropertiesByStatus: map[string]int{},
		RegistryByStatus:   map[string]int{},
	}
	err := s.governed(ctx, id, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM properties GROUP BY status`)
		if err != nil {
			return fmt.Errorf("property counts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts.PropertiesByStatus[status] = n
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases WHERE status='active'`).Scan(&counts.ActiveLeases); err != nil {
			return fmt.Errorf("active lease count: %w", err)
		}

		regRows, err := tx.QueryContext(ctx, `SELECT extraction_status, COUNT(*) FROM document_registry GROUP BY extraction_status`)
		if err != nil {
			return fmt.Errorf("registry counts: %w", err)
		}
		defer regRows.Close()
		for regRows.Next() {
			var status string
			var n int
			if err := regRows.Scan(&status, &n); err != nil {
				return err
			}
			counts.RegistryByStatus[status] = n
		}
		return regRows.Err()
	})
	return counts, err
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
