// Package repository declares the storage interfaces the service layer depends on.
package repository

import (
	"context"

	"github.com/sakif/authcore/internal/model"
)

// UserRepository is the User Directory: the only component that writes users.
//
// Contract shared by every implementation:
//   - Emails are lowercased on write AND on lookup.
//   - Create is all-or-nothing. A unique-index violation returns
//     apperror.Conflict with Field "email" or "federatedId" and leaves no row.
//   - Lookups that find nothing return apperror.NotFound.
//   - Uniqueness is enforced by the database, so two concurrent Creates with
//     the same email yield exactly one success.
type UserRepository interface {
	// Create assigns ID and CreatedAt and inserts the user.
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByFederatedID(ctx context.Context, federatedID string) (*model.User, error)
	// LinkFederatedID attaches a federated id to an account that has none.
	// picture is stored only if the user has no picture yet.
	LinkFederatedID(ctx context.Context, userID, federatedID, picture string) (*model.User, error)
	List(ctx context.Context) ([]model.User, error)
	DeleteAll(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
