package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/ids"
)

const orderColumns = `id, order_number, user_id, activity_id, activity_title, amount,
	status, payment_status, notes, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (activity.Order, error) {
	var o activity.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.ActivityID, &o.ActivityTitle,
		&o.Amount, &o.Status, &o.PaymentStatus, &o.Notes, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (s *Store) CreateOrder(ctx context.Context, userID, activityID, notes string) (activity.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return activity.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := s.lockActivity(ctx, tx, activityID)
	if err != nil {
		return activity.Order{}, err
	}
	now := s.now()
	if a.Started(now) {
		return activity.Order{}, fmt.Errorf("%w: activity already started", activity.ErrInvalidState)
	}
	if a.IsFull() {
		return activity.Order{}, activity.ErrCapacity
	}
	dup, err := s.hasConfirmedRegistration(ctx, tx, userID, activityID)
	if err != nil {
		return activity.Order{}, err
	}
	if dup {
		return activity.Order{}, fmt.Errorf("%w: already registered for this activity", activity.ErrDuplicate)
	}
	var pending int
	err = tx.QueryRowContext(ctx,
		`select count(*) from orders where user_id=$1 and activity_id=$2 and status=$3`,
		userID, activityID, activity.OrderPending).Scan(&pending)
	if err != nil {
		return activity.Order{}, fmt.Errorf("check pending orders: %w", err)
	}
	if pending > 0 {
		return activity.Order{}, fmt.Errorf("%w: a pending order already exists for this activity", activity.ErrDuplicate)
	}

	o := activity.Order{
		ID:            ids.New(),
		UserID:        userID,
		ActivityID:    activityID,
		ActivityTitle: a.Title,
		Amount:        a.Price,
		Status:        activity.OrderPending,
		PaymentStatus: activity.OrderPending,
		Notes:         notes,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	// Retry on the unique order_number index; the timestamp prefix makes
	// collisions rare but not impossible. Each attempt runs under a
	// savepoint: a unique violation aborts the enclosing transaction
	// otherwise, and no later statement would be accepted.
	for attempt := 0; ; attempt++ {
		o.OrderNumber = activity.NewOrderNumber(now)
		if _, err := tx.ExecContext(ctx, `savepoint insert_order`); err != nil {
			return activity.Order{}, fmt.Errorf("savepoint: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			insert into orders(id, order_number, user_id, activity_id, activity_title, amount,
				status, payment_status, notes, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		`, o.ID, o.OrderNumber, o.UserID, o.ActivityID, o.ActivityTitle, o.Amount,
			o.Status, o.PaymentStatus, o.Notes, o.CreatedAt)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < 3 {
			if _, rbErr := tx.ExecContext(ctx, `rollback to savepoint insert_order`); rbErr != nil {
				return activity.Order{}, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			continue
		}
		return activity.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return activity.Order{}, err
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, orderNumber string) (activity.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`select `+orderColumns+` from orders where order_number=$1`, orderNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Order{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Order{}, err
	}
	return o, nil
}

func (s *Store) ListUserOrders(ctx context.Context, userID, status string) ([]activity.Order, error) {
	query := `select ` + orderColumns + ` from orders where user_id=$1`
	args := []any{userID}
	if status != "" {
		query += ` and status=$2`
		args = append(args, status)
	}
	query += ` order by created_at desc`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []activity.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// lockOrder loads and row-locks an order by number inside tx.
func (s *Store) lockOrder(ctx context.Context, tx *sql.Tx, orderNumber string) (activity.Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx,
		`select `+orderColumns+` from orders where order_number=$1 for update`, orderNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Order{}, activity.ErrNotFound
	}
	if err != nil {
		return activity.Order{}, fmt.Errorf("lock order row: %w", err)
	}
	return o, nil
}

func (s *Store) setOrderStatus(ctx context.Context, tx *sql.Tx, o *activity.Order, status string) error {
	o.Status = status
	o.PaymentStatus = status
	o.UpdatedAt = s.now().UTC()
	_, err := tx.ExecContext(ctx,
		`update orders set status=$2, payment_status=$2, updated_at=$3 where id=$1`,
		o.ID, status, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// PayOrder confirms payment and seats the buyer. The paid status, the
// confirmed registration and the counter increment land in one
// transaction, so a capacity rejection leaves the order pending.
func (s *Store) PayOrder(ctx context.Context, orderNumber, userID string) (activity.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return activity.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := s.lockOrder(ctx, tx, orderNumber)
	if err != nil {
		return activity.Order{}, err
	}
	if o.UserID != userID {
		return activity.Order{}, fmt.Errorf("%w: not the order owner", activity.ErrForbidden)
	}
	if o.Status != activity.OrderPending {
		return activity.Order{}, fmt.Errorf("%w: only pending orders can be paid", activity.ErrInvalidState)
	}

	a, err := s.lockActivity(ctx, tx, o.ActivityID)
	if err != nil {
		return activity.Order{}, err
	}
	now := s.now()
	if a.Started(now) {
		return activity.Order{}, fmt.Errorf("%w: activity already started", activity.ErrInvalidState)
	}
	dup, err := s.hasConfirmedRegistration(ctx, tx, userID, o.ActivityID)
	if err != nil {
		return activity.Order{}, err
	}
	if dup {
		return activity.Order{}, fmt.Errorf("%w: already registered for this activity", activity.ErrDuplicate)
	}
	if err := s.takeSeat(ctx, tx, o.ActivityID); err != nil {
		return activity.Order{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into registrations(id, user_id, activity_id, status, notes, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, ids.New(), userID, o.ActivityID, activity.RegistrationConfirmed, o.Notes, now.UTC()); err != nil {
		return activity.Order{}, fmt.Errorf("insert registration: %w", err)
	}
	if err := s.setOrderStatus(ctx, tx, &o, activity.OrderPaid); err != nil {
		return activity.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return activity.Order{}, err
	}
	return o, nil
}

// reverseOrder undoes a paid order inside tx: the order moves to the
// given terminal status, the confirmed registration is removed, and the
// seat is released only if a registration was actually removed.
func (s *Store) reverseOrder(ctx context.Context, tx *sql.Tx, o *activity.Order, status string) error {
	res, err := tx.ExecContext(ctx, `
		delete from registrations where user_id=$1 and activity_id=$2 and status=$3
	`, o.UserID, o.ActivityID, activity.RegistrationConfirmed)
	if err != nil {
		return fmt.Errorf("reverse registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		if err := s.releaseSeat(ctx, tx, o.ActivityID); err != nil {
			return err
		}
	}
	return s.setOrderStatus(ctx, tx, o, status)
}

func (s *Store) CancelOrder(ctx context.Context, orderNumber, userID string) (activity.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return activity.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := s.lockOrder(ctx, tx, orderNumber)
	if err != nil {
		return activity.Order{}, err
	}
	if o.UserID != userID {
		return activity.Order{}, fmt.Errorf("%w: not the order owner", activity.ErrForbidden)
	}

	switch o.Status {
	case activity.OrderPending:
		if err := s.setOrderStatus(ctx, tx, &o, activity.OrderCancelled); err != nil {
			return activity.Order{}, err
		}
	case activity.OrderPaid:
		if _, err := s.lockActivity(ctx, tx, o.ActivityID); err != nil {
			return activity.Order{}, err
		}
		if err := s.reverseOrder(ctx, tx, &o, activity.OrderRefunded); err != nil {
			return activity.Order{}, err
		}
	default:
		return activity.Order{}, fmt.Errorf("%w: order already %s", activity.ErrInvalidState, o.Status)
	}
	if err := tx.Commit(); err != nil {
		return activity.Order{}, err
	}
	return o, nil
}

func (s *Store) RefundOrder(ctx context.Context, orderNumber, userID string) (activity.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return activity.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := s.lockOrder(ctx, tx, orderNumber)
	if err != nil {
		return activity.Order{}, err
	}
	if o.UserID != userID {
		return activity.Order{}, fmt.Errorf("%w: not the order owner", activity.ErrForbidden)
	}
	if o.Status != activity.OrderPaid {
		return activity.Order{}, fmt.Errorf("%w: only paid orders can be refunded", activity.ErrInvalidState)
	}
	a, err := s.lockActivity(ctx, tx, o.ActivityID)
	if err != nil {
		return activity.Order{}, err
	}
	if a.Started(s.now()) {
		return activity.Order{}, fmt.Errorf("%w: activity already started", activity.ErrInvalidState)
	}
	if err := s.reverseOrder(ctx, tx, &o, activity.OrderRefunded); err != nil {
		return activity.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return activity.Order{}, err
	}
	return o, nil
}

func (s *Store) OrderStats(ctx context.Context, userID string) (activity.OrderStats, error) {
	var st activity.OrderStats
	err := s.db.QueryRowContext(ctx, `
		select count(*),
			count(*) filter (where status=$2),
			count(*) filter (where status=$3),
			count(*) filter (where status in ($4,$5)),
			coalesce(sum(amount) filter (where status=$2), 0)
		from orders where user_id=$1
	`, userID, activity.OrderPaid, activity.OrderPending,
		activity.OrderCancelled, activity.OrderRefunded).
		Scan(&st.TotalOrders, &st.PaidOrders, &st.PendingOrders, &st.CancelledOrders, &st.TotalAmount)
	if err != nil {
		return activity.OrderStats{}, fmt.Errorf("order stats: %w", err)
	}
	return st, nil
}
