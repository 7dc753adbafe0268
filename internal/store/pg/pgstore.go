// Package pg implements the directory and activity services on top of
// PostgreSQL via database/sql and the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/ids"
)

const uniqueViolation = "23505"

// Store implements activity.Service against PostgreSQL. Capacity
// mutations run in serializable transactions that lock the activity row
// with SELECT ... FOR UPDATE and apply conditional counter updates, so
// two concurrent joins can never both observe the last free seat.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ activity.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open connects to PostgreSQL with pool defaults tuned for a small API.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, opts...), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const activityColumns = `id, title, description, location, category, start_time, end_time,
	price, max_participants, current_participants, image_url, requirements,
	status, active, creator_id, created_at, updated_at`

func scanActivity(row interface{ Scan(...any) error }) (activity.Activity, error) {
	var a activity.Activity
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Location, &a.Category,
		&a.StartTime, &a.EndTime, &a.Price, &a.MaxParticipants, &a.CurrentParticipants,
		&a.ImageURL, &a.Requirements, &a.Status, &a.Active, &a.CreatorID,
		&a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// --- Activity catalog ------------------------------------------------------

func (s *Store) CreateActivity(ctx context.Context, in activity.CreateActivityInput, creatorID string) (activity.Activity, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return activity.Activity{}, fmt.Errorf("%w: title is required", activity.ErrInvalidInput)
	}
	if in.MaxParticipants <= 0 {
		return activity.Activity{}, fmt.Errorf("%w: max participants must be positive", activity.ErrInvalidInput)
	}
	if in.Price < 0 {
		return activity.Activity{}, fmt.Errorf("%w: price must not be negative", activity.ErrInvalidInput)
	}
	now := s.now()
	if !in.StartTime.Before(in.EndTime) {
		return activity.Activity{}, fmt.Errorf("%w: start time must be before end time", activity.ErrInvalidInput)
	}
	if !in.StartTime.After(now) {
		return activity.Activity{}, fmt.Errorf("%w: start time must be in the future", activity.ErrInvalidInput)
	}

	a := activity.Activity{
		ID:              ids.New(),
		Title:           in.Title,
		Description:     in.Description,
		Location:        in.Location,
		Category:        in.Category,
		StartTime:       in.StartTime,
		EndTime:         in.EndTime,
		Price:           in.Price,
		MaxParticipants: in.MaxParticipants,
		ImageURL:        in.ImageURL,
		Requirements:    in.Requirements,
		Status:          activity.StatusActive,
		Active:          true,
		CreatorID:       creatorID,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into activities(id, title, description, location, category, start_time, end_time,
			price, max_participants, current_participants, image_url, requirements, status, active,
			creator_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$12,true,$13,$14,$14)
	`, a.ID, a.Title, a.Description, a.Location, a.Category, a.StartTime, a.EndTime,
		a.Price, a.MaxParticipants, a.ImageURL, a.Requirements, a.Status, a.CreatorID, a.CreatedAt)
	if err != nil {
		return activity.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateActivity(ctx context.Context, id string, in activity.UpdateActivityInput, requesterID string) (activity.Activity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return activity.Activity{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanActivity(tx.QueryRowContext(ctx,
		`select `+activityColumns+` from activities where id=$1 and active for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Activity{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Activity{}, err
	}
	if a.CreatorID != requesterID {
		return activity.Activity{}, fmt.Errorf("%w: only the creator may modify an activity", activity.ErrForbidden)
	}

	now := s.now()
	if a.Started(now) && in.RestrictedAfterStart() {
		return activity.Activity{}, fmt.Errorf("%w: activity already started, only description and image may change", activity.ErrInvalidState)
	}

	if in.StartTime != nil || in.EndTime != nil {
		start, end := a.StartTime, a.EndTime
		if in.StartTime != nil {
			start = *in.StartTime
		}
		if in.EndTime != nil {
			end = *in.EndTime
		}
		if !start.Before(end) {
			return activity.Activity{}, fmt.Errorf("%w: start time must be before end time", activity.ErrInvalidInput)
		}
		if !start.After(now) {
			return activity.Activity{}, fmt.Errorf("%w: start time must be in the future", activity.ErrInvalidInput)
		}
		a.StartTime, a.EndTime = start, end
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return activity.Activity{}, fmt.Errorf("%w: title is required", activity.ErrInvalidInput)
		}
		a.Title = title
	}
	if in.Description != nil {
		a.Description = *in.Description
	}
	if in.Location != nil {
		a.Location = *in.Location
	}
	if in.Category != nil {
		a.Category = *in.Category
	}
	if in.Price != nil {
		if *in.Price < 0 {
			return activity.Activity{}, fmt.Errorf("%w: price must not be negative", activity.ErrInvalidInput)
		}
		a.Price = *in.Price
	}
	if in.MaxParticipants != nil {
		if *in.MaxParticipants < a.CurrentParticipants {
			return activity.Activity{}, fmt.Errorf("%w: max participants below current participant count", activity.ErrInvalidInput)
		}
		a.MaxParticipants = *in.MaxParticipants
	}
	if in.ImageURL != nil {
		a.ImageURL = *in.ImageURL
	}
	if in.Requirements != nil {
		a.Requirements = *in.Requirements
	}
	a.UpdatedAt = now.UTC()

	_, err = tx.ExecContext(ctx, `
		update activities set title=$2, description=$3, location=$4, category=$5,
			start_time=$6, end_time=$7, price=$8, max_participants=$9,
			image_url=$10, requirements=$11, updated_at=$12
		where id=$1
	`, a.ID, a.Title, a.Description, a.Location, a.Category, a.StartTime, a.EndTime,
		a.Price, a.MaxParticipants, a.ImageURL, a.Requirements, a.UpdatedAt)
	if err != nil {
		return activity.Activity{}, fmt.Errorf("update activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return activity.Activity{}, err
	}
	return a, nil
}

func (s *Store) DeleteActivity(ctx context.Context, id, requesterID string) error {
	var creatorID string
	err := s.db.QueryRowContext(ctx,
		`select creator_id from activities where id=$1 and active`, id).Scan(&creatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.ErrNotFound
	}
	if err != nil {
		return err
	}
	if creatorID != requesterID {
		return fmt.Errorf("%w: only the creator may delete an activity", activity.ErrForbidden)
	}
	_, err = s.db.ExecContext(ctx,
		`update activities set active=false, updated_at=$2 where id=$1`, id, s.now().UTC())
	return err
}

func (s *Store) GetActivity(ctx context.Context, id string) (activity.Activity, error) {
	a, err := scanActivity(s.db.QueryRowContext(ctx,
		`select `+activityColumns+` from activities where id=$1 and active`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Activity{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Activity{}, err
	}
	return a, nil
}

func (s *Store) ListActivities(ctx context.Context, f activity.ListFilter) ([]activity.Activity, int, error) {
	f.Normalize()
	now := s.now()

	var (
		where = []string{"active"}
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if search := strings.TrimSpace(f.Search); search != "" {
		p := arg("%" + strings.ToLower(search) + "%")
		where = append(where, fmt.Sprintf("(lower(title) like %s or lower(description) like %s)", p, p))
	}
	if cats := activity.ExpandCategory(f.Category); len(cats) > 0 {
		ph := make([]string, len(cats))
		for i, c := range cats {
			ph[i] = arg(c)
		}
		where = append(where, fmt.Sprintf("lower(category) in (%s)", strings.Join(ph, ",")))
	}
	switch f.Status {
	case activity.TimeStatusOpen:
		where = append(where, fmt.Sprintf("start_time > %s", arg(now)))
	case activity.TimeStatusInProgress:
		p := arg(now)
		where = append(where, fmt.Sprintf("start_time <= %s and end_time >= %s", p, p))
	case activity.TimeStatusCompleted:
		where = append(where, fmt.Sprintf("end_time < %s", arg(now)))
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() {
		where = append(where, fmt.Sprintf("start_time <= %s and end_time >= %s",
			arg(f.EndDate), arg(f.StartDate)))
	}

	cond := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from activities where `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}

	query := `select ` + activityColumns + ` from activities where ` + cond +
		` order by created_at desc limit ` + arg(f.Limit) + ` offset ` + arg((f.Page-1)*f.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	res := []activity.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan activity: %w", err)
		}
		res = append(res, a)
	}
	return res, total, rows.Err()
}

func (s *Store) ListByCreator(ctx context.Context, creatorID string) ([]activity.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+activityColumns+` from activities where creator_id=$1 and active order by created_at desc`,
		creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []activity.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

const registrationColumns = `id, user_id, activity_id, status, notes, created_at, updated_at`

func scanRegistration(row interface{ Scan(...any) error }) (activity.Registration, error) {
	var r activity.Registration
	err := row.Scan(&r.ID, &r.UserID, &r.ActivityID, &r.Status, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) ActivityRegistrations(ctx context.Context, activityID string) ([]activity.Registration, error) {
	if _, err := s.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+registrationColumns+` from registrations
		 where activity_id=$1 and status=$2 order by created_at desc`,
		activityID, activity.RegistrationConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []activity.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// --- Registration ledger ---------------------------------------------------

// lockActivity loads and row-locks an activity inside tx. Callers decide
// which lifecycle checks apply.
func (s *Store) lockActivity(ctx context.Context, tx *sql.Tx, id string) (activity.Activity, error) {
	a, err := scanActivity(tx.QueryRowContext(ctx,
		`select `+activityColumns+` from activities where id=$1 and active for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Activity{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Activity{}, fmt.Errorf("lock activity row: %w", err)
	}
	return a, nil
}

// takeSeat performs the conditional increment that makes overbooking
// impossible: the row is already locked, and the update only applies
// while a seat remains.
func (s *Store) takeSeat(ctx context.Context, tx *sql.Tx, activityID string) error {
	res, err := tx.ExecContext(ctx, `
		update activities set current_participants = current_participants + 1, updated_at=$2
		where id=$1 and current_participants < max_participants
	`, activityID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("increment participants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return activity.ErrCapacity
	}
	return nil
}

func (s *Store) releaseSeat(ctx context.Context, tx *sql.Tx, activityID string) error {
	_, err := tx.ExecContext(ctx, `
		update activities set current_participants = current_participants - 1, updated_at=$2
		where id=$1 and current_participants > 0
	`, activityID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("decrement participants: %w", err)
	}
	return nil
}

func (s *Store) hasConfirmedRegistration(ctx context.Context, tx *sql.Tx, userID, activityID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`select count(*) from registrations where user_id=$1 and activity_id=$2 and status=$3`,
		userID, activityID, activity.RegistrationConfirmed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check registration: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Join(ctx context.Context, userID, activityID, notes string) (activity.Registration, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return activity.Registration{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := s.lockActivity(ctx, tx, activityID)
	if err != nil {
		return activity.Registration{}, err
	}
	now := s.now()
	if a.Started(now) {
		return activity.Registration{}, fmt.Errorf("%w: activity already started", activity.ErrInvalidState)
	}
	dup, err := s.hasConfirmedRegistration(ctx, tx, userID, activityID)
	if err != nil {
		return activity.Registration{}, err
	}
	if dup {
		return activity.Registration{}, fmt.Errorf("%w: already registered for this activity", activity.ErrDuplicate)
	}
	if err := s.takeSeat(ctx, tx, activityID); err != nil {
		return activity.Registration{}, err
	}

	r := activity.Registration{
		ID:         ids.New(),
		UserID:     userID,
		ActivityID: activityID,
		Status:     activity.RegistrationConfirmed,
		Notes:      notes,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into registrations(id, user_id, activity_id, status, notes, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, r.ID, r.UserID, r.ActivityID, r.Status, r.Notes, r.CreatedAt); err != nil {
		return activity.Registration{}, fmt.Errorf("insert registration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return activity.Registration{}, err
	}
	return r, nil
}

func (s *Store) CancelRegistration(ctx context.Context, userID, activityID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := s.lockActivity(ctx, tx, activityID)
	if err != nil {
		return err
	}
	if a.Started(s.now()) {
		return fmt.Errorf("%w: activity already started", activity.ErrInvalidState)
	}

	res, err := tx.ExecContext(ctx, `
		update registrations set status=$4, updated_at=$5
		where user_id=$1 and activity_id=$2 and status=$3
	`, userID, activityID, activity.RegistrationConfirmed, activity.RegistrationCancelled, s.now().UTC())
	if err != nil {
		return fmt.Errorf("cancel registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: no confirmed registration", activity.ErrNotFound)
	}
	if err := s.releaseSeat(ctx, tx, activityID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListUserRegistrations(ctx context.Context, userID string) ([]activity.Registration, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+registrationColumns+` from registrations where user_id=$1 order by created_at desc`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []activity.Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
