package activity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"sportloop.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. Every
// capacity-mutating operation runs inside one mutex-guarded critical
// section, so a check-then-act sequence can never interleave with
// another caller's. The Postgres implementation in internal/store/pg
// provides the same guarantee with serializable transactions and row
// locks.
type InMemory struct {
	mu  sync.RWMutex
	now func() time.Time

	activities     map[string]*Activity
	registrations  map[string]*Registration
	orders         map[string]*Order
	ordersByNumber map[string]string
	comments       map[string]*Comment
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty catalog.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		now:            time.Now,
		activities:     make(map[string]*Activity),
		registrations:  make(map[string]*Registration),
		orders:         make(map[string]*Order),
		ordersByNumber: make(map[string]string),
		comments:       make(map[string]*Comment),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Activity catalog ------------------------------------------------------

func validateSchedule(start, end, now time.Time) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidInput)
	}
	if !start.After(now) {
		return fmt.Errorf("%w: start time must be in the future", ErrInvalidInput)
	}
	return nil
}

func (s *InMemory) CreateActivity(ctx context.Context, in CreateActivityInput, creatorID string) (Activity, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Activity{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.MaxParticipants <= 0 {
		return Activity{}, fmt.Errorf("%w: max participants must be positive", ErrInvalidInput)
	}
	if in.Price < 0 {
		return Activity{}, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	if err := validateSchedule(in.StartTime, in.EndTime, s.now()); err != nil {
		return Activity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	a := &Activity{
		ID:                  ids.New(),
		Title:               in.Title,
		Description:         in.Description,
		Location:            in.Location,
		Category:            in.Category,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		Price:               in.Price,
		MaxParticipants:     in.MaxParticipants,
		CurrentParticipants: 0,
		ImageURL:            in.ImageURL,
		Requirements:        in.Requirements,
		Status:              StatusActive,
		Active:              true,
		CreatorID:           creatorID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.activities[a.ID] = a
	return *a, nil
}

func (s *InMemory) UpdateActivity(ctx context.Context, id string, in UpdateActivityInput, requesterID string) (Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok || !a.Active {
		return Activity{}, ErrNotFound
	}
	if a.CreatorID != requesterID {
		return Activity{}, fmt.Errorf("%w: only the creator may modify an activity", ErrForbidden)
	}

	now := s.now()
	if a.Started(now) && in.RestrictedAfterStart() {
		return Activity{}, fmt.Errorf("%w: activity already started, only description and image may change", ErrInvalidState)
	}

	if in.StartTime != nil || in.EndTime != nil {
		start, end := a.StartTime, a.EndTime
		if in.StartTime != nil {
			start = *in.StartTime
		}
		if in.EndTime != nil {
			end = *in.EndTime
		}
		if err := validateSchedule(start, end, now); err != nil {
			return Activity{}, err
		}
		a.StartTime, a.EndTime = start, end
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return Activity{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
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
			return Activity{}, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
		}
		a.Price = *in.Price
	}
	if in.MaxParticipants != nil {
		if *in.MaxParticipants < a.CurrentParticipants {
			return Activity{}, fmt.Errorf("%w: max participants below current participant count", ErrInvalidInput)
		}
		a.MaxParticipants = *in.MaxParticipants
	}
	if in.ImageURL != nil {
		a.ImageURL = *in.ImageURL
	}
	if in.Requirements != nil {
		a.Requirements = *in.Requirements
	}
	a.UpdatedAt = s.now().UTC()
	return *a, nil
}

func (s *InMemory) DeleteActivity(ctx context.Context, id, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[id]
	if !ok || !a.Active {
		return ErrNotFound
	}
	if a.CreatorID != requesterID {
		return fmt.Errorf("%w: only the creator may delete an activity", ErrForbidden)
	}
	a.Active = false
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemory) GetActivity(ctx context.Context, id string) (Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[id]
	if !ok || !a.Active {
		return Activity{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) ListActivities(ctx context.Context, f ListFilter) ([]Activity, int, error) {
	f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	categories := ExpandCategory(f.Category)
	search := strings.ToLower(strings.TrimSpace(f.Search))

	var matched []Activity
	for _, a := range s.activities {
		if !a.Active {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(a.Title), search) &&
			!strings.Contains(strings.ToLower(a.Description), search) {
			continue
		}
		if len(categories) > 0 && !matchesCategory(a.Category, categories) {
			continue
		}
		if f.Status != "" && a.TimeStatus(now) != f.Status {
			continue
		}
		if !f.StartDate.IsZero() && !f.EndDate.IsZero() {
			// Schedule window must overlap the requested range.
			if a.StartTime.After(f.EndDate) || a.EndTime.Before(f.StartDate) {
				continue
			}
		}
		matched = append(matched, *a)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return []Activity{}, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matchesCategory(category string, accepted []string) bool {
	category = strings.ToLower(strings.TrimSpace(category))
	for _, c := range accepted {
		if category == c {
			return true
		}
	}
	return false
}

func (s *InMemory) ListByCreator(ctx context.Context, creatorID string) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Activity
	for _, a := range s.activities {
		if a.Active && a.CreatorID == creatorID {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) ActivityRegistrations(ctx context.Context, activityID string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.activities[activityID]; !ok || !a.Active {
		return nil, ErrNotFound
	}
	var res []Registration
	for _, r := range s.registrations {
		if r.ActivityID == activityID && r.Status == RegistrationConfirmed {
			res = append(res, *r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// --- Registration ledger ---------------------------------------------------

// confirmedRegistration must be called with the lock held.
func (s *InMemory) confirmedRegistration(userID, activityID string) *Registration {
	for _, r := range s.registrations {
		if r.UserID == userID && r.ActivityID == activityID && r.Status == RegistrationConfirmed {
			return r
		}
	}
	return nil
}

func (s *InMemory) Join(ctx context.Context, userID, activityID, notes string) (Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[activityID]
	if !ok || !a.Active {
		return Registration{}, ErrNotFound
	}
	now := s.now()
	if a.Started(now) {
		return Registration{}, fmt.Errorf("%w: activity already started", ErrInvalidState)
	}
	if s.confirmedRegistration(userID, activityID) != nil {
		return Registration{}, fmt.Errorf("%w: already registered for this activity", ErrDuplicate)
	}
	if a.IsFull() {
		return Registration{}, ErrCapacity
	}

	ts := now.UTC()
	r := &Registration{
		ID:         ids.New(),
		UserID:     userID,
		ActivityID: activityID,
		Status:     RegistrationConfirmed,
		Notes:      notes,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	s.registrations[r.ID] = r
	a.CurrentParticipants++
	return *r, nil
}

func (s *InMemory) CancelRegistration(ctx context.Context, userID, activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.confirmedRegistration(userID, activityID)
	if r == nil {
		return fmt.Errorf("%w: no confirmed registration", ErrNotFound)
	}
	a, ok := s.activities[activityID]
	if !ok {
		return ErrNotFound
	}
	if a.Started(s.now()) {
		return fmt.Errorf("%w: activity already started", ErrInvalidState)
	}

	r.Status = RegistrationCancelled
	r.UpdatedAt = s.now().UTC()
	a.CurrentParticipants--
	return nil
}

func (s *InMemory) ListUserRegistrations(ctx context.Context, userID string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Registration
	for _, r := range s.registrations {
		if r.UserID == userID {
			res = append(res, *r)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

// --- Order ledger ----------------------------------------------------------

// pendingOrder must be called with the lock held.
func (s *InMemory) pendingOrder(userID, activityID string) *Order {
	for _, o := range s.orders {
		if o.UserID == userID && o.ActivityID == activityID && o.Status == OrderPending {
			return o
		}
	}
	return nil
}

func (s *InMemory) CreateOrder(ctx context.Context, userID, activityID, notes string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.activities[activityID]
	if !ok || !a.Active {
		return Order{}, ErrNotFound
	}
	now := s.now()
	if a.Started(now) {
		return Order{}, fmt.Errorf("%w: activity already started", ErrInvalidState)
	}
	if a.IsFull() {
		return Order{}, ErrCapacity
	}
	if s.confirmedRegistration(userID, activityID) != nil {
		return Order{}, fmt.Errorf("%w: already registered for this activity", ErrDuplicate)
	}
	if s.pendingOrder(userID, activityID) != nil {
		return Order{}, fmt.Errorf("%w: a pending order for this activity already exists", ErrDuplicate)
	}

	number := NewOrderNumber(now)
	for _, taken := s.ordersByNumber[number]; taken; _, taken = s.ordersByNumber[number] {
		number = NewOrderNumber(now)
	}

	ts := now.UTC()
	o := &Order{
		ID:            ids.New(),
		OrderNumber:   number,
		UserID:        userID,
		ActivityID:    activityID,
		ActivityTitle: a.Title,
		Amount:        a.Price,
		Status:        OrderPending,
		PaymentStatus: OrderPending,
		Notes:         notes,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	s.orders[o.ID] = o
	s.ordersByNumber[o.OrderNumber] = o.ID
	return *o, nil
}

func (s *InMemory) GetOrder(ctx context.Context, orderNumber string) (Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o := s.orderByNumber(orderNumber)
	if o == nil {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

// orderByNumber must be called with the lock held.
func (s *InMemory) orderByNumber(orderNumber string) *Order {
	id, ok := s.ordersByNumber[orderNumber]
	if !ok {
		return nil
	}
	return s.orders[id]
}

func (s *InMemory) ListUserOrders(ctx context.Context, userID, status string) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *InMemory) PayOrder(ctx context.Context, orderNumber, userID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.orderByNumber(orderNumber)
	if o == nil {
		return Order{}, fmt.Errorf("%w: order does not exist", ErrNotFound)
	}
	if o.UserID != userID {
		return Order{}, fmt.Errorf("%w: order belongs to another user", ErrForbidden)
	}
	if o.Status != OrderPending {
		return Order{}, fmt.Errorf("%w: order is not pending", ErrInvalidState)
	}

	// Time has passed since order creation: re-validate the activity.
	a, ok := s.activities[o.ActivityID]
	if !ok || !a.Active {
		return Order{}, fmt.Errorf("%w: activity no longer available", ErrNotFound)
	}
	now := s.now()
	if a.Started(now) {
		return Order{}, fmt.Errorf("%w: activity already started", ErrInvalidState)
	}
	if s.confirmedRegistration(userID, o.ActivityID) != nil {
		return Order{}, fmt.Errorf("%w: already registered for this activity", ErrDuplicate)
	}
	if a.IsFull() {
		return Order{}, ErrCapacity
	}

	// All three effects applied under the same lock: order paid,
	// registration confirmed, counter incremented.
	ts := now.UTC()
	o.Status = OrderPaid
	o.PaymentStatus = OrderPaid
	o.UpdatedAt = ts
	r := &Registration{
		ID:         ids.New(),
		UserID:     userID,
		ActivityID: o.ActivityID,
		Status:     RegistrationConfirmed,
		Notes:      o.Notes,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	s.registrations[r.ID] = r
	a.CurrentParticipants++
	return *o, nil
}

func (s *InMemory) CancelOrder(ctx context.Context, orderNumber, userID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.orderByNumber(orderNumber)
	if o == nil {
		return Order{}, fmt.Errorf("%w: order does not exist", ErrNotFound)
	}
	if o.UserID != userID {
		return Order{}, fmt.Errorf("%w: order belongs to another user", ErrForbidden)
	}

	switch o.Status {
	case OrderPending:
		o.Status = OrderCancelled
		o.UpdatedAt = s.now().UTC()
		return *o, nil
	case OrderPaid:
		s.reverseOrder(o)
		return *o, nil
	default:
		return Order{}, fmt.Errorf("%w: order already %s", ErrInvalidState, o.Status)
	}
}

func (s *InMemory) RefundOrder(ctx context.Context, orderNumber, userID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := s.orderByNumber(orderNumber)
	if o == nil {
		return Order{}, fmt.Errorf("%w: order does not exist", ErrNotFound)
	}
	if o.UserID != userID {
		return Order{}, fmt.Errorf("%w: order belongs to another user", ErrForbidden)
	}
	if o.Status != OrderPaid {
		return Order{}, fmt.Errorf("%w: only paid orders can be refunded", ErrInvalidState)
	}
	if a, ok := s.activities[o.ActivityID]; ok && a.Started(s.now()) {
		return Order{}, fmt.Errorf("%w: activity already started", ErrInvalidState)
	}

	s.reverseOrder(o)
	return *o, nil
}

// reverseOrder undoes all three effects of a payment: the order becomes
// refunded, the confirmed registration is removed, and the seat counter
// drops by one. Must be called with the lock held and a paid order.
// The counter only moves when a confirmed registration is actually
// removed; if the user cancelled their registration separately, the
// seat was already released.
func (s *InMemory) reverseOrder(o *Order) {
	o.Status = OrderRefunded
	o.PaymentStatus = OrderRefunded
	o.UpdatedAt = s.now().UTC()

	if r := s.confirmedRegistration(o.UserID, o.ActivityID); r != nil {
		delete(s.registrations, r.ID)
		if a, ok := s.activities[o.ActivityID]; ok && a.CurrentParticipants > 0 {
			a.CurrentParticipants--
		}
	}
}

func (s *InMemory) OrderStats(ctx context.Context, userID string) (OrderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats OrderStats
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		stats.TotalOrders++
		switch o.Status {
		case OrderPaid:
			stats.PaidOrders++
			stats.TotalAmount += o.Amount
		case OrderPending:
			stats.PendingOrders++
		case OrderCancelled, OrderRefunded:
			stats.CancelledOrders++
		}
	}
	return stats, nil
}

// --- Comment ledger --------------------------------------------------------

func (s *InMemory) CreateComment(ctx context.Context, userID, activityID, content string, rating int) (Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if rating != 0 && (rating < 1 || rating > 5) {
		return Comment{}, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.activities[activityID]; !ok || !a.Active {
		return Comment{}, ErrNotFound
	}
	for _, c := range s.comments {
		if c.UserID == userID && c.ActivityID == activityID {
			return Comment{}, fmt.Errorf("%w: already commented on this activity", ErrDuplicate)
		}
	}

	c := &Comment{
		ID:         ids.New(),
		UserID:     userID,
		ActivityID: activityID,
		Content:    content,
		Rating:     rating,
		CreatedAt:  s.now().UTC(),
	}
	s.comments[c.ID] = c
	return *c, nil
}

func (s *InMemory) ListComments(ctx context.Context, activityID string, page, limit int) (CommentPage, error) {
	f := ListFilter{Page: page, Limit: limit}
	f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.activities[activityID]; !ok || !a.Active {
		return CommentPage{}, ErrNotFound
	}

	var all []Comment
	for _, c := range s.comments {
		if c.ActivityID == activityID {
			all = append(all, *c)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	page1 := CommentPage{
		Comments:      []Comment{},
		Total:         len(all),
		AverageRating: averageRating(all),
	}
	start := (f.Page - 1) * f.Limit
	if start < len(all) {
		end := start + f.Limit
		if end > len(all) {
			end = len(all)
		}
		page1.Comments = all[start:end]
	}
	return page1, nil
}

func (s *InMemory) RatingStats(ctx context.Context, activityID string) (RatingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.activities[activityID]; !ok || !a.Active {
		return RatingStats{}, ErrNotFound
	}

	stats := RatingStats{
		Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
	}
	var all []Comment
	for _, c := range s.comments {
		if c.ActivityID == activityID {
			all = append(all, *c)
			if c.Rating >= 1 && c.Rating <= 5 {
				stats.Distribution[c.Rating]++
			}
		}
	}
	stats.TotalComments = len(all)
	stats.AverageRating = averageRating(all)
	return stats, nil
}

// averageRating averages rated comments only, rounded to one decimal.
func averageRating(comments []Comment) float64 {
	var sum, n int
	for _, c := range comments {
		if c.Rating >= 1 {
			sum += c.Rating
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(n)*10) / 10
}

func (s *InMemory) DeleteComment(ctx context.Context, commentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[commentID]
	if !ok {
		return ErrNotFound
	}
	if c.UserID != userID {
		return fmt.Errorf("%w: only the author may delete a comment", ErrForbidden)
	}
	delete(s.comments, commentID)
	return nil
}
