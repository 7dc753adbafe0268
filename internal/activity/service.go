package activity

import "context"

// Service defines the activity catalog plus the registration, order and
// comment ledgers. Every check-then-act sequence over an activity's
// seats (Join, CancelRegistration, PayOrder, CancelOrder, RefundOrder)
// executes as a single atomic unit keyed by the activity id.
type Service interface {
	// Activity catalog.
	CreateActivity(ctx context.Context, in CreateActivityInput, creatorID string) (Activity, error)
	UpdateActivity(ctx context.Context, id string, in UpdateActivityInput, requesterID string) (Activity, error)
	DeleteActivity(ctx context.Context, id, requesterID string) error
	GetActivity(ctx context.Context, id string) (Activity, error)
	ListActivities(ctx context.Context, f ListFilter) ([]Activity, int, error)
	ListByCreator(ctx context.Context, creatorID string) ([]Activity, error)
	ActivityRegistrations(ctx context.Context, activityID string) ([]Registration, error)

	// Registration ledger.
	Join(ctx context.Context, userID, activityID, notes string) (Registration, error)
	CancelRegistration(ctx context.Context, userID, activityID string) error
	ListUserRegistrations(ctx context.Context, userID string) ([]Registration, error)

	// Order ledger.
	CreateOrder(ctx context.Context, userID, activityID, notes string) (Order, error)
	GetOrder(ctx context.Context, orderNumber string) (Order, error)
	ListUserOrders(ctx context.Context, userID, status string) ([]Order, error)
	PayOrder(ctx context.Context, orderNumber, userID string) (Order, error)
	CancelOrder(ctx context.Context, orderNumber, userID string) (Order, error)
	RefundOrder(ctx context.Context, orderNumber, userID string) (Order, error)
	OrderStats(ctx context.Context, userID string) (OrderStats, error)

	// Comment ledger.
	CreateComment(ctx context.Context, userID, activityID, content string, rating int) (Comment, error)
	ListComments(ctx context.Context, activityID string, page, limit int) (CommentPage, error)
	RatingStats(ctx context.Context, activityID string) (RatingStats, error)
	DeleteComment(ctx context.Context, commentID, userID string) error
}
