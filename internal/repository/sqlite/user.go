package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, name, email, password_hash, federated_id, picture_url, role, created_at`

// Create inserts a new user, assigning its ID (xid) and CreatedAt.
//
// One INSERT statement is atomic in SQLite: either the row and all its index
// entries are written, or nothing is. A UNIQUE violation therefore leaves no
// partial user behind.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	if user.Account == nil {
		return model.ErrNoAuthMethod
	}
	hash, _ := user.PasswordHash()
	fedID, _ := user.FederatedID()
	if user.Role == "" {
		user.Role = model.DefaultRole
	}

	id := xid.New().String()
	createdAt := time.Now().UTC()
	email := strings.ToLower(strings.TrimSpace(user.Email))

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		user.Name,
		email,
		nullable(hash),
		nullable(fedID),
		user.PictureURL,
		string(user.Role),
		createdAt,
	)
	if err != nil {
		if conflict := uniqueConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("sqlite: inserting user: %w", err)
	}

	user.ID = id
	user.Email = email
	user.CreatedAt = createdAt
	return nil
}

// FindByID retrieves a user by internal ID.
func (db *DB) FindByID(ctx context.Context, id string) (*model.User, error) {
	return db.findOne(ctx, "id", id)
}

// FindByEmail retrieves a user by (case-insensitive) email.
func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.findOne(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

// FindByFederatedID retrieves a user by Google subject.
func (db *DB) FindByFederatedID(ctx context.Context, federatedID string) (*model.User, error) {
	if federatedID == "" {
		return nil, apperror.NotFound("user", "(empty federated id)")
	}
	return db.findOne(ctx, "federated_id", federatedID)
}

// findOne is shared by the three lookups. column is never user input.
func (db *DB) findOne(ctx context.Context, column, value string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlite: finding user by %s: %w", column, err)
	}
	return u, nil
}

// LinkFederatedID sets federated_id on a user that has none.
//
// The "federated_id IS NULL" guard makes the update conditional, so two
// concurrent links to the same account cannot both succeed, and the UNIQUE
// index stops one Google id from landing on two accounts.
func (db *DB) LinkFederatedID(ctx context.Context, userID, federatedID, picture string) (*model.User, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users
		 SET federated_id = ?,
		     picture_url  = CASE WHEN picture_url = '' THEN ? ELSE picture_url END
		 WHERE id = ? AND federated_id IS NULL`,
		federatedID, picture, userID,
	)
	if err != nil {
		if conflict := uniqueConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, fmt.Errorf("sqlite: linking user %s: %w", userID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: linking user %s: %w", userID, err)
	}

	u, err := db.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// The row exists but already had a federated id.
		return nil, apperror.Conflict("federatedId", "account is already linked to a Google identity")
	}
	return u, nil
}

// List returns every user, oldest first.
func (db *DB) List(ctx context.Context) ([]model.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating users: %w", err)
	}
	return users, nil
}

// DeleteAll removes every user and returns how many were deleted.
func (db *DB) DeleteAll(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting users: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting deleted users: %w", err)
	}
	return n, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u           model.User
		hash, fedID sql.NullString
		role        string
	)
	if err := s.Scan(&u.ID, &u.Name, &u.Email, &hash, &fedID, &u.PictureURL, &role, &u.CreatedAt); err != nil {
		return nil, err
	}

	r, err := model.ParseRole(role)
	if err != nil {
		return nil, err
	}
	u.Role = r

	acc, err := model.NewAccount(hash.String, fedID.String)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}
	u.Account = acc
	return &u, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// uniqueConflict translates a SQLite UNIQUE violation into apperror.Conflict.
// SQLite reports the offending column in the message:
//
//	UNIQUE constraint failed: users.email
func uniqueConflict(err error) error {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	// The low byte is the primary result code whether or not the
	// connection reports extended codes.
	if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return nil
	}
	msg := se.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}

	switch {
	case strings.Contains(msg, "users.email"):
		return apperror.Conflict("email", "email already registered")
	case strings.Contains(msg, "users.federated_id"):
		return apperror.Conflict("federatedId", "Google account already linked to another user")
	default:
		return apperror.Conflict("id", "user already exists")
	}
}
