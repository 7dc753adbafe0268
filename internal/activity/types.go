package activity

import (
	"errors"
	"strings"
	"time"
)

// Activity statuses stored on the record itself. The registration-window
// status ("open", "in_progress", "completed") is derived from the clock
// and never stored.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
)

// Registration states.
const (
	RegistrationConfirmed = "confirmed"
	RegistrationCancelled = "cancelled"
)

// Order states.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderCancelled = "cancelled"
	OrderRefunded  = "refunded"
)

// Derived time statuses accepted by ListFilter.Status.
const (
	TimeStatusOpen       = "open"
	TimeStatusInProgress = "in_progress"
	TimeStatusCompleted  = "completed"
)

// Activity is a scheduled, capacity-bounded event owned by a creator
// account. Price is in minor units (cents). No floats.
type Activity struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Location            string    `json:"location"`
	Category            string    `json:"category"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	Price               int64     `json:"price"`
	MaxParticipants     int       `json:"max_participants"`
	CurrentParticipants int       `json:"current_participants"`
	ImageURL            string    `json:"image_url,omitempty"`
	Requirements        string    `json:"requirements,omitempty"`
	Status              string    `json:"status"`
	Active              bool      `json:"-"`
	CreatorID           string    `json:"creator_id"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TimeStatus derives the registration-window status from the clock.
func (a Activity) TimeStatus(now time.Time) string {
	switch {
	case now.Before(a.StartTime):
		return TimeStatusOpen
	case now.After(a.EndTime):
		return TimeStatusCompleted
	default:
		return TimeStatusInProgress
	}
}

// IsFull reports whether no seats remain.
func (a Activity) IsFull() bool {
	return a.CurrentParticipants >= a.MaxParticipants
}

// Started reports whether the schedule window has begun.
func (a Activity) Started(now time.Time) bool {
	return !now.Before(a.StartTime)
}

// Registration records a user's attendance intent for an activity.
type Registration struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Status     string    `json:"status"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Order is a paid-commerce record tracking the payment lifecycle for an
// activity registration. Amount and title are snapshots taken at
// creation, not live-linked to the activity.
type Order struct {
	ID            string    `json:"id"`
	OrderNumber   string    `json:"order_number"`
	UserID        string    `json:"user_id"`
	ActivityID    string    `json:"activity_id"`
	ActivityTitle string    `json:"activity_title"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderStats aggregates a user's orders by status.
type OrderStats struct {
	TotalOrders     int   `json:"total_orders"`
	PaidOrders      int   `json:"paid_orders"`
	PendingOrders   int   `json:"pending_orders"`
	CancelledOrders int   `json:"cancelled_orders"`
	TotalAmount     int64 `json:"total_amount"`
}

// Comment is feedback left by a user on an activity. Rating is optional;
// when present it must be between 1 and 5.
type Comment struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Content    string    `json:"content"`
	Rating     int       `json:"rating,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CommentPage is one page of comments plus the derived average rating
// (rounded to one decimal) over all comments of the activity.
type CommentPage struct {
	Comments      []Comment `json:"comments"`
	Total         int       `json:"total"`
	AverageRating float64   `json:"average_rating"`
}

// RatingStats is the average rating plus a 1..5 histogram.
type RatingStats struct {
	AverageRating float64     `json:"average_rating"`
	TotalComments int         `json:"total_comments"`
	Distribution  map[int]int `json:"rating_distribution"`
}

// CreateActivityInput carries the fields for a new activity.
type CreateActivityInput struct {
	Title           string
	Description     string
	Location        string
	Category        string
	StartTime       time.Time
	EndTime         time.Time
	Price           int64
	MaxParticipants int
	ImageURL        string
	Requirements    string
}

// UpdateActivityInput patches activity fields. Nil pointers mean
// "leave as is". Once the schedule window has started only Description
// and ImageURL may change.
type UpdateActivityInput struct {
	Title           *string
	Description     *string
	Location        *string
	Category        *string
	StartTime       *time.Time
	EndTime         *time.Time
	Price           *int64
	MaxParticipants *int
	ImageURL        *string
	Requirements    *string
}

// RestrictedAfterStart reports whether the patch touches anything other
// than the description/image fields.
func (in UpdateActivityInput) RestrictedAfterStart() bool {
	return in.Title != nil || in.Location != nil || in.Category != nil ||
		in.StartTime != nil || in.EndTime != nil || in.Price != nil ||
		in.MaxParticipants != nil || in.Requirements != nil
}

// Pagination defaults and bounds for activity and comment listings.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 50
)

// ListFilter selects and pages activities.
type ListFilter struct {
	Search    string
	Category  string
	Status    string // open | in_progress | completed
	StartDate time.Time
	EndDate   time.Time
	Page      int
	Limit     int
}

// Normalize clamps pagination to documented bounds (1-indexed pages).
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.Limit < 1 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
}

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrCapacity     = errors.New("activity is full")
	ErrDuplicate    = errors.New("duplicate record")
	ErrInvalidInput = errors.New("invalid input")
)

// categorySynonyms maps a canonical category to the aliases accepted by
// the category filter. Lookups are case-insensitive; unknown categories
// match only themselves.
var categorySynonyms = map[string][]string{
	"football":     {"football", "soccer"},
	"basketball":   {"basketball"},
	"tennis":       {"tennis"},
	"badminton":    {"badminton"},
	"table tennis": {"table tennis", "ping pong"},
	"swimming":     {"swimming"},
	"running":      {"running", "jogging"},
	"fitness":      {"fitness", "gym"},
}

// ExpandCategory returns all category spellings that should match the
// given filter value, including the value itself.
func ExpandCategory(category string) []string {
	key := strings.ToLower(strings.TrimSpace(category))
	if key == "" {
		return nil
	}
	for canonical, aliases := range categorySynonyms {
		if canonical == key {
			return aliases
		}
		for _, alias := range aliases {
			if alias == key {
				return aliases
			}
		}
	}
	return []string{key}
}
