package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sportloop.org/internal/auth"
	"sportloop.org/internal/ids"
)

// Service defines account directory operations.
type Service interface {
	Register(ctx context.Context, in RegisterInput) (User, error)
	Authenticate(ctx context.Context, username, password string) (User, error)
	Get(ctx context.Context, id string) (User, error)
	Update(ctx context.Context, id string, in UpdateInput) (User, error)
}

// InMemory implements Service with in-process concurrency safety.
// The Postgres implementation lives in internal/store/pg.
type InMemory struct {
	mu         sync.RWMutex
	users      map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		users:      make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func normalizeRegisterInput(in *RegisterInput) error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.RealName = strings.TrimSpace(in.RealName)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}
	return nil
}

func (s *InMemory) Register(ctx context.Context, in RegisterInput) (User, error) {
	if err := normalizeRegisterInput(&in); err != nil {
		return User{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[in.Username]; ok {
		return User{}, ErrDuplicateUsername
	}
	if _, ok := s.byEmail[in.Email]; ok {
		return User{}, ErrDuplicateEmail
	}

	now := time.Now().UTC()
	u := &User{
		ID:           ids.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Phone:        in.Phone,
		RealName:     in.RealName,
		Role:         "user",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	s.byUsername[u.Username] = u.ID
	s.byEmail[u.Email] = u.ID
	return *u, nil
}

func (s *InMemory) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)

	s.mu.RLock()
	id, ok := s.byUsername[username]
	var u *User
	if ok {
		u = s.users[id]
	}
	s.mu.RUnlock()

	if u == nil || !u.Active {
		return User{}, ErrInvalidCredentials
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return *u, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || !u.Active {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) Update(ctx context.Context, id string, in UpdateInput) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}

	if in.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*in.Email))
		if email == "" || !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
		}
		if email != u.Email {
			if other, exists := s.byEmail[email]; exists && other != id {
				return User{}, ErrDuplicateEmail
			}
			delete(s.byEmail, u.Email)
			u.Email = email
			s.byEmail[email] = id
		}
	}
	if in.Phone != nil {
		u.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.RealName != nil {
		u.RealName = strings.TrimSpace(*in.RealName)
	}
	u.UpdatedAt = time.Now().UTC()
	return *u, nil
}
