package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"sportloop.org/internal/auth"
	"sportloop.org/internal/directory"
	"sportloop.org/internal/ids"
)

// Directory implements directory.Service against PostgreSQL. Uniqueness
// of usernames and emails rides on the unique indexes rather than
// check-then-insert races.
type Directory struct {
	db *sql.DB
}

var _ directory.Service = (*Directory)(nil)

// NewDirectory wraps an existing database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

const userColumns = `id, username, email, password_hash, phone, real_name, role, active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (directory.User, error) {
	var u directory.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Phone,
		&u.RealName, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func mapUserUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	if strings.Contains(pgErr.ConstraintName, "email") {
		return directory.ErrDuplicateEmail
	}
	return directory.ErrDuplicateUsername
}

func (d *Directory) Register(ctx context.Context, in directory.RegisterInput) (directory.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.RealName = strings.TrimSpace(in.RealName)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Username == "" {
		return directory.User{}, fmt.Errorf("%w: username is required", directory.ErrInvalidInput)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return directory.User{}, fmt.Errorf("%w: a valid email is required", directory.ErrInvalidInput)
	}
	if len(in.Password) < 6 {
		return directory.User{}, fmt.Errorf("%w: password must be at least 6 characters", directory.ErrInvalidInput)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return directory.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	u := directory.User{
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
	_, err = d.db.ExecContext(ctx, `
		insert into users(id, username, email, password_hash, phone, real_name, role, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,true,$8,$8)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Phone, u.RealName, u.Role, u.CreatedAt)
	if err != nil {
		return directory.User{}, mapUserUniqueViolation(err)
	}
	return u, nil
}

func (d *Directory) Authenticate(ctx context.Context, username, password string) (directory.User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1 and active`,
		strings.TrimSpace(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrInvalidCredentials
	}
	if err != nil {
		return directory.User{}, err
	}
	if err := auth.VerifyPassword(u.PasswordHash, password); err != nil {
		return directory.User{}, directory.ErrInvalidCredentials
	}
	return u, nil
}

func (d *Directory) Get(ctx context.Context, id string) (directory.User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 and active`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}
	return u, nil
}

func (d *Directory) Update(ctx context.Context, id string, in directory.UpdateInput) (directory.User, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return directory.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return directory.User{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.User{}, err
	}

	if in.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*in.Email))
		if email == "" || !strings.Contains(email, "@") {
			return directory.User{}, fmt.Errorf("%w: a valid email is required", directory.ErrInvalidInput)
		}
		u.Email = email
	}
	if in.Phone != nil {
		u.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.RealName != nil {
		u.RealName = strings.TrimSpace(*in.RealName)
	}
	u.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`update users set email=$2, phone=$3, real_name=$4, updated_at=$5 where id=$1`,
		u.ID, u.Email, u.Phone, u.RealName, u.UpdatedAt)
	if err != nil {
		return directory.User{}, mapUserUniqueViolation(err)
	}
	if err := tx.Commit(); err != nil {
		return directory.User{}, err
	}
	return u, nil
}
