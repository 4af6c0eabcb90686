package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const (
	userColumns = `id, name, email, password_hash, federated_id, picture_url, role, created_at`

	// SQLSTATE for unique_violation.
	uniqueViolation = "23505"
)

func (db *DB) Create(ctx context.Context, user *model.User) error {
	if user.Account == nil {
		return model.ErrNoAuthMethod
	}
	hash, _ := user.PasswordHash()
	fedID, _ := user.FederatedID()
	if user.Role == "" {
		user.Role = model.DefaultRole
	}

	id := uuid.NewString()
	createdAt := time.Now().UTC()
	email := strings.ToLower(strings.TrimSpace(user.Email))

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, user.Name, email, nullable(hash), nullable(fedID), user.PictureURL, string(user.Role), createdAt,
	)
	if err != nil {
		if conflict := uniqueConflict(err); conflict != nil {
			return conflict
		}
		return fmt.Errorf("postgres: inserting user: %w", err)
	}

	user.ID = id
	user.Email = email
	user.CreatedAt = createdAt
	return nil
}

func (db *DB) FindByID(ctx context.Context, id string) (*model.User, error) {
	return db.findOne(ctx, "id", id)
}

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.findOne(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (db *DB) FindByFederatedID(ctx context.Context, federatedID string) (*model.User, error) {
	if federatedID == "" {
		return nil, apperror.NotFound("user", "(empty federated id)")
	}
	return db.findOne(ctx, "federated_id", federatedID)
}

func (db *DB) findOne(ctx context.Context, column, value string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("postgres: finding user by %s: %w", column, err)
	}
	return u, nil
}

// LinkFederatedID only updates a row whose federated_id is still NULL.
// RETURNING hands back the updated row in the same round trip.
func (db *DB) LinkFederatedID(ctx context.Context, userID, federatedID, picture string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`UPDATE users
		 SET federated_id = $1,
		     picture_url  = COALESCE(NULLIF(picture_url, ''), $2)
		 WHERE id = $3 AND federated_id IS NULL
		 RETURNING `+userColumns,
		federatedID, picture, userID,
	)

	u, err := scanUser(row)
	switch {
	case err == nil:
		return u, nil
	case errors.Is(err, sql.ErrNoRows):
		// Either the user is gone or it is already linked.
		if _, findErr := db.FindByID(ctx, userID); findErr != nil {
			return nil, findErr
		}
		return nil, apperror.Conflict("federatedId", "account is already linked to a Google identity")
	default:
		if conflict := uniqueConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, fmt.Errorf("postgres: linking user %s: %w", userID, err)
	}
}

func (db *DB) List(ctx context.Context) ([]model.User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scanning user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating users: %w", err)
	}
	return users, nil
}

func (db *DB) DeleteAll(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM users`)
	if err != nil {
		return 0, fmt.Errorf("postgres: deleting users: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: counting deleted users: %w", err)
	}
	return n, nil
}

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

// uniqueConflict maps a unique_violation to apperror.Conflict using the
// constraint names declared in migrations/00001_create_users.sql.
func uniqueConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "users_email_key":
		return apperror.Conflict("email", "email already registered")
	case "users_federated_id_key":
		return apperror.Conflict("federatedId", "Google account already linked to another user")
	default:
		return apperror.Conflict("id", "user already exists")
	}
}
