// Package model defines the data structures used throughout the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Role is the coarse authorization level attached to a user.
//
// It is a closed set: ParseRole rejects anything else, so a Role value that
// came from the database or from a token is always one of the constants below.
// What each role may DO lives in one place, the permission table in
// internal/auth/permissions.go. Handlers never compare role strings.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// DefaultRole is assigned to every self-registered account.
const DefaultRole = RoleUser

// ErrUnknownRole is returned by ParseRole for values outside the closed set.
var ErrUnknownRole = errors.New("model: unknown role")

// ParseRole converts a stored or transmitted string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleUser, RoleGuest:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) String() string { return string(r) }

// AccountKind names which sign-in methods an account has.
type AccountKind string

const (
	KindLocal     AccountKind = "local"     // password only
	KindFederated AccountKind = "federated" // Google only
	KindLinked    AccountKind = "linked"    // both
)

// Account is the set of authentication methods a user can sign in with.
//
// SUM TYPE IN GO:
// Go has no enums with payloads, so we use a "sealed interface": the
// unexported account() method means only this package can add variants.
// There are exactly three (LocalAccount, FederatedAccount, LinkedAccount)
// and each one carries only the fields that make sense for it. A user with
// neither a password hash nor a federated id simply cannot be expressed
// through NewAccount, which is the only way the repositories build one.
type Account interface {
	Kind() AccountKind
	// PasswordHash returns the stored hash and true if the account can sign in locally.
	PasswordHash() (string, bool)
	// FederatedID returns the identity provider subject and true if the account is federated.
	FederatedID() (string, bool)
	account()
}

// LocalAccount authenticates with a password only.
type LocalAccount struct{ Hash string }

// FederatedAccount authenticates through Google only; it has no password.
type FederatedAccount struct{ Subject string }

// LinkedAccount was registered locally and later linked to a Google identity.
type LinkedAccount struct {
	Hash    string
	Subject string
}

func (LocalAccount) Kind() AccountKind { return KindLocal }
func (a LocalAccount) PasswordHash() (string, bool) { return a.Hash, true }
func (LocalAccount) FederatedID() (string, bool) { return "", false }
func (LocalAccount) account() {}
func (FederatedAccount) Kind() AccountKind { return KindFederated }
func (FederatedAccount) PasswordHash() (string, bool) { return "", false }
func (a FederatedAccount) FederatedID() (string, bool) { return a.Subject, true }
func (FederatedAccount) account() {}
func (LinkedAccount) Kind() AccountKind { return KindLinked }
func (a LinkedAccount) PasswordHash() (string, bool) { return a.Hash, true }
func (a LinkedAccount) FederatedID() (string, bool) { return a.Subject, true }
func (LinkedAccount) account() {}

// ErrNoAuthMethod is returned when neither a password hash nor a federated id is present.
var ErrNoAuthMethod = errors.New("model: account needs a password hash or a federated id")

// ErrAlreadyFederated is returned when linking an account that already has a federated id.
var ErrAlreadyFederated = errors.New("model: account is already linked to a federated identity")

// NewAccount picks the variant matching the methods present.
// Repositories call this when scanning rows, so a corrupt row (both columns
// empty) surfaces as an error instead of an unusable user.
func NewAccount(passwordHash, federatedID string) (Account, error) {
	switch {
	case passwordHash != "" && federatedID != "":
		return LinkedAccount{Hash: passwordHash, Subject: federatedID}, nil
	case passwordHash != "":
		return LocalAccount{Hash: passwordHash}, nil
	case federatedID != "":
		return FederatedAccount{Subject: federatedID}, nil
	}
	return nil, ErrNoAuthMethod
}

// Link adds a federated identity to a local account.
func Link(a Account, federatedID string) (Account, error) {
	if federatedID == "" {
		return nil, ErrNoAuthMethod
	}
	local, ok := a.(LocalAccount)
	if !ok {
		return nil, ErrAlreadyFederated
	}
	return LinkedAccount{Hash: local.Hash, Subject: federatedID}, nil
}

// User is the authoritative identity record.
//
// WHY Account json:"-"?
// The password hash must never be serialised. Handlers turn a User into a
// public profile (see handler.UserView) instead of encoding it directly.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"` // always lowercased
	PictureURL string    `json:"pictureUrl,omitempty"`
	Role       Role      `json:"role"`
	Account    Account   `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PasswordHash is a shortcut for u.Account.PasswordHash, safe on a nil Account.
func (u *User) PasswordHash() (string, bool) {
	if u.Account == nil {
		return "", false
	}
	return u.Account.PasswordHash()
}

// FederatedID is a shortcut for u.Account.FederatedID, safe on a nil Account.
func (u *User) FederatedID() (string, bool) {
	if u.Account == nil {
		return "", false
	}
	return u.Account.FederatedID()
}
