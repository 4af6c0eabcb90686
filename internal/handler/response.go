package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT ENVELOPE:
// Every response from the user API has the same outer shape:
//   {"success": true,  "message": "login successful", "user": {...}, "token": "..."}
//   {"success": false, "message": "email already registered", "field": "email"}
//
// Route-specific payloads (user, token, users, deletedCount) sit next to
// success/message, so clients and tests can always assert on the same two
// fields first.

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

// maxBodyBytes caps request bodies. Auth payloads are tiny; a Google ID
// token is the largest field at around 1-2 KiB.
const maxBodyBytes = 64 << 10

// Envelope is the common part of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	// Field names the offending input on validation and conflict errors.
	Field string `json:"field,omitempty"`
}

// UserView is the public projection of a model.User.
//
// WHY NOT ENCODE model.User DIRECTLY?
// The account (and so the password hash) is already json:"-", but an
// explicit view means a field added to model.User later is not published
// by accident.
type UserView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PictureURL   string     `json:"pictureUrl,omitempty"`
	Role         model.Role `json:"role"`
	HasPassword  bool       `json:"hasPassword"`
	GoogleLinked bool       `json:"googleLinked"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func newUserView(u *model.User) *UserView {
	_, hasPassword := u.PasswordHash()
	_, linked := u.FederatedID()
	return &UserView{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PictureURL:   u.PictureURL,
		Role:         u.Role,
		HasPassword:  hasPassword,
		GoogleLinked: linked,
		CreatedAt:    u.CreatedAt,
	}
}

type authResponse struct {
	Envelope
	User  *UserView `json:"user,omitempty"`
	Token string    `json:"token,omitempty"`
}

type usersResponse struct {
	Envelope
	Users []UserView `json:"users"`
}

type deletedResponse struct {
	Envelope
	DeletedCount int64 `json:"deletedCount"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// You MUST set headers and status code BEFORE writing the body.
// Once you call w.Write() (which Encode does internally), the headers are sent.
// Any header changes after that are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// If encoding fails, the headers are already sent — we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
//
// ERROR MAPPING:
// The service layer returns apperror sentinels; this is the only place that
// knows about HTTP status codes.
//
//	ErrValidation   → 400    ErrForbidden → 403
//	ErrUnauthorized → 401    ErrNotFound  → 404
//	ErrConflict     → 409    ErrUpstream  → 503 (retryable)
//
// Anything that is not an *AppError is an internal failure: it is logged
// here and the client gets a generic 500. The raw error might contain SQL,
// file paths or provider responses.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, apperror.ErrUnauthorized):
			status = http.StatusUnauthorized
		case errors.Is(err, apperror.ErrForbidden):
			status = http.StatusForbidden
		case errors.Is(err, apperror.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, apperror.ErrConflict):
			status = http.StatusConflict
		case errors.Is(err, apperror.ErrUpstream):
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}

		writeJSON(w, status, Envelope{
			Success: false,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, Envelope{
		Success: false,
		Message: "an internal error occurred",
	})
}

// decodeJSON reads a single JSON object from the request body into dst.
//
// Unknown fields are allowed: Google Identity Services posts extra keys
// (clientId, select_by) that we simply ignore.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperror.ValidationFailed("body", "request body too large")
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is required")
		default:
			return apperror.ValidationFailed("body", "request body must be valid JSON")
		}
	}
	return nil
}
