package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/service"
)

// AdminHandler serves the administrative user routes.
//
// The router mounts these behind RequireSignIn and RequirePermission; the
// service checks the permission table again, so a routing mistake cannot
// expose them.
type AdminHandler struct {
	svc    *service.AuthService
	logger *slog.Logger
}

func NewAdminHandler(svc *service.AuthService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, logger: logger}
}

// HandleListUsers returns every user.
//
// HTTP: GET /all
// 200 → {success, users: [...]}
func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("authentication required"))
		return
	}

	users, err := h.svc.ListUsers(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]UserView, 0, len(users))
	for i := range users {
		views = append(views, *newUserView(&users[i]))
	}
	writeJSON(w, http.StatusOK, usersResponse{
		Envelope: Envelope{Success: true},
		Users:    views,
	})
}

// HandleDeleteAll removes every user.
//
// HTTP: DELETE /delete-all
// 200 → {success, message, deletedCount}
func (h *AdminHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("authentication required"))
		return
	}

	n, err := h.svc.DeleteAllUsers(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deletedResponse{
		Envelope:     Envelope{Success: true, Message: "all users deleted"},
		DeletedCount: n,
	})
}
