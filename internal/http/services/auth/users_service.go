package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dropDatabas3/relaypanel/internal/audit"
	dtoauth "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/security/password"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
	"github.com/dropDatabas3/relaypanel/internal/validation"
)

// ErrInvalidUsername indica un username fuera de las reglas de formato.
var ErrInvalidUsername = errors.New("auth: invalid username")

// UsersDeps son las dependencias del servicio de administración de usuarios.
type UsersDeps struct {
	Users *users.Store
	MFA   *mfa.Store
	Audit *audit.Trail // opcional
}

// UsersService administra las cuentas admin del panel. Las protecciones de
// último admin viven en el store; acá se agrega hashing, policy de password
// y el cascade del estado MFA.
type UsersService struct {
	deps UsersDeps
}

// NewUsersService crea el servicio.
func NewUsersService(deps UsersDeps) *UsersService {
	return &UsersService{deps: deps}
}

// Create da de alta un usuario nuevo.
func (s *UsersService) Create(ctx context.Context, req dtoauth.CreateUserRequest) (*users.User, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if !validation.ValidUsername(username) {
		return nil, ErrInvalidUsername
	}
	if len(req.Password) < minPasswordLen {
		return nil, ErrPasswordTooWeak
	}
	hash, err := password.Hash(password.Default, req.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u, err := s.deps.Users.Create(users.CreateInput{
		Username:     username,
		PasswordHash: hash,
		Role:         users.Role(req.Role),
		MFAEnforced:  req.MFAEnforced,
	})
	if err != nil {
		return nil, err
	}
	logger.From(ctx).Info("admin user created",
		logger.Component("auth.users"), logger.UserID(u.ID), logger.Username(u.Username),
		logger.SecurityEvent("user_created"),
	)
	s.deps.Audit.Record(ctx, "user_created", map[string]any{"userId": u.ID, "username": u.Username, "role": string(u.Role)})
	return u, nil
}

// List retorna todos los usuarios.
func (s *UsersService) List(ctx context.Context) []*users.User {
	return s.deps.Users.List()
}

// Update aplica cambios parciales: rol, enforcement de MFA o desbloqueo
// manual. Demote del último admin lo rechaza el store.
func (s *UsersService) Update(ctx context.Context, id string, req dtoauth.UpdateUserRequest) (*users.User, error) {
	u, err := s.deps.Users.Update(id, func(u *users.User) error {
		if req.Role != nil {
			u.Role = users.Role(*req.Role)
			u.Permissions = users.DefaultPermissions(u.Role)
		}
		if req.MFAEnforced != nil {
			u.MFAEnforced = *req.MFAEnforced
		}
		if req.Unlock {
			u.FailedAttempts = 0
			u.LockedUntil = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.deps.Audit.Record(ctx, "user_updated", map[string]any{"userId": u.ID, "role": string(u.Role)})
	return u, nil
}

// Delete borra el usuario y su estado MFA. El último admin no se puede
// borrar.
func (s *UsersService) Delete(ctx context.Context, id string) error {
	if err := s.deps.Users.Delete(id); err != nil {
		return err
	}
	if err := s.deps.MFA.Delete(id); err != nil {
		logger.From(ctx).Error("cascading mfa record delete", logger.Err(err), logger.UserID(id))
	}
	logger.From(ctx).Info("admin user deleted",
		logger.Component("auth.users"), logger.UserID(id),
		logger.SecurityEvent("user_deleted"),
	)
	s.deps.Audit.Record(ctx, "user_deleted", map[string]any{"userId": id})
	return nil
}
