package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService() *InMemory {
	return NewInMemory(WithClock(fixedClock(testNow)))
}

func newTestActivity(t *testing.T, s *InMemory, seats int, price int64) Activity {
	t.Helper()
	a, err := s.CreateActivity(context.Background(), CreateActivityInput{
		Title:           "Morning run",
		Category:        "running",
		StartTime:       testNow.Add(24 * time.Hour),
		EndTime:         testNow.Add(26 * time.Hour),
		Price:           price,
		MaxParticipants: seats,
	}, "creator-1")
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return a
}

func TestCreateActivityValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateActivityInput
	}{
		{"empty title", CreateActivityInput{
			StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour), MaxParticipants: 5,
		}},
		{"zero seats", CreateActivityInput{
			Title: "x", StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour),
		}},
		{"negative price", CreateActivityInput{
			Title: "x", StartTime: testNow.Add(time.Hour), EndTime: testNow.Add(2 * time.Hour),
			MaxParticipants: 5, Price: -1,
		}},
		{"start after end", CreateActivityInput{
			Title: "x", StartTime: testNow.Add(2 * time.Hour), EndTime: testNow.Add(time.Hour),
			MaxParticipants: 5,
		}},
		{"start in the past", CreateActivityInput{
			Title: "x", StartTime: testNow.Add(-time.Hour), EndTime: testNow.Add(time.Hour),
			MaxParticipants: 5,
		}},
	}
	for _, tc := range cases {
		if _, err := s.CreateActivity(ctx, tc.in, "u1"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestJoinAndCapacity(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 0)

	if _, err := s.Join(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, "u1", a.ID, ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second join, got %v", err)
	}
	if _, err := s.Join(ctx, "u2", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, "u3", a.ID, ""); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	got, err := s.GetActivity(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentParticipants != 2 {
		t.Fatalf("expected 2 participants, got %d", got.CurrentParticipants)
	}
}

func TestConcurrentJoinsOneSeat(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 1, 0)

	const N = 50
	var wg sync.WaitGroup
	results := make(chan error, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Join(ctx, fmt.Sprintf("user-%d", i), a.ID, "")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, full int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCapacity):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || full != N-1 {
		t.Fatalf("expected exactly 1 success, got %d successes / %d capacity rejections", ok, full)
	}
	got, _ := s.GetActivity(ctx, a.ID)
	if got.CurrentParticipants != 1 {
		t.Fatalf("counter drifted: %d", got.CurrentParticipants)
	}
}

func TestCancelRegistrationFreesSeat(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 1, 0)

	if _, err := s.Join(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelRegistration(ctx, "u1", a.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelRegistration(ctx, "u1", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double cancel, got %v", err)
	}
	// Seat is free again, and re-joining is allowed.
	if _, err := s.Join(ctx, "u2", a.ID, ""); err != nil {
		t.Fatal(err)
	}
}

func TestJoinAfterStartRejected(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 5, 0)

	late := NewInMemory(WithClock(fixedClock(testNow.Add(25 * time.Hour))))
	late.activities = s.activities
	if _, err := late.Join(ctx, "u1", a.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after start, got %v", err)
	}
}

func TestUpdateActivityRules(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 0)

	if _, err := s.UpdateActivity(ctx, a.ID, UpdateActivityInput{}, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if _, err := s.Join(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	one := 1
	if _, err := s.UpdateActivity(ctx, a.ID, UpdateActivityInput{MaxParticipants: &one}, "creator-1"); err != nil {
		t.Fatal(err)
	}
	zero := 0
	if _, err := s.UpdateActivity(ctx, a.ID, UpdateActivityInput{MaxParticipants: &zero}, "creator-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput shrinking below participants, got %v", err)
	}

	// After start only description and image may change.
	late := NewInMemory(WithClock(fixedClock(testNow.Add(25 * time.Hour))))
	late.activities = s.activities
	title := "new title"
	if _, err := late.UpdateActivity(ctx, a.ID, UpdateActivityInput{Title: &title}, "creator-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	desc := "weather update"
	updated, err := late.UpdateActivity(ctx, a.ID, UpdateActivityInput{Description: &desc}, "creator-1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != desc {
		t.Fatalf("description not updated: %q", updated.Description)
	}
}

func TestDeleteActivityHidesIt(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 0)

	if err := s.DeleteActivity(ctx, a.ID, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.DeleteActivity(ctx, a.ID, "creator-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetActivity(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.Join(ctx, "u1", a.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound joining deleted activity, got %v", err)
	}
}

func TestListActivitiesFilters(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	mk := func(title, category string, startOffset time.Duration) {
		t.Helper()
		_, err := s.CreateActivity(ctx, CreateActivityInput{
			Title:           title,
			Category:        category,
			StartTime:       testNow.Add(startOffset),
			EndTime:         testNow.Add(startOffset + 2*time.Hour),
			MaxParticipants: 10,
		}, "creator-1")
		if err != nil {
			t.Fatal(err)
		}
	}
	mk("Sunday soccer", "football", 24*time.Hour)
	mk("Evening jog", "running", 48*time.Hour)
	mk("Pool session", "swimming", 72*time.Hour)

	// Category filter accepts synonyms.
	got, total, err := s.ListActivities(ctx, ListFilter{Category: "soccer"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || got[0].Title != "Sunday soccer" {
		t.Fatalf("category filter: total=%d got=%v", total, got)
	}

	// Search matches title substrings case-insensitively.
	_, total, err = s.ListActivities(ctx, ListFilter{Search: "JOG"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("search filter: total=%d", total)
	}

	// All three are upcoming relative to the fixed clock.
	_, total, err = s.ListActivities(ctx, ListFilter{Status: TimeStatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("status filter: total=%d", total)
	}

	// Date range only overlaps the first activity.
	_, total, err = s.ListActivities(ctx, ListFilter{
		StartDate: testNow.Add(20 * time.Hour),
		EndDate:   testNow.Add(30 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("date filter: total=%d", total)
	}

	// Pagination clamps and reports the full total.
	page, total, err := s.ListActivities(ctx, ListFilter{Page: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || total != 3 {
		t.Fatalf("pagination: len=%d total=%d", len(page), total)
	}
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 2500)

	o, err := s.CreateOrder(ctx, "u1", a.ID, "see you there")
	if err != nil {
		t.Fatal(err)
	}
	if o.Amount != 2500 || o.ActivityTitle != a.Title {
		t.Fatalf("snapshot mismatch: %+v", o)
	}
	if o.Status != OrderPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}

	// Second pending order for the same pair is rejected.
	if _, err := s.CreateOrder(ctx, "u1", a.ID, ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if _, err := s.PayOrder(ctx, o.OrderNumber, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	paid, err := s.PayOrder(ctx, o.OrderNumber, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if paid.Status != OrderPaid {
		t.Fatalf("expected paid, got %s", paid.Status)
	}
	if _, err := s.PayOrder(ctx, o.OrderNumber, "u1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double pay, got %v", err)
	}

	// Payment seated the buyer.
	got, _ := s.GetActivity(ctx, a.ID)
	if got.CurrentParticipants != 1 {
		t.Fatalf("expected 1 participant after pay, got %d", got.CurrentParticipants)
	}
	regs, _ := s.ListUserRegistrations(ctx, "u1")
	if len(regs) != 1 || regs[0].Status != RegistrationConfirmed {
		t.Fatalf("expected one confirmed registration, got %v", regs)
	}
}

func TestPayOrderFullActivityLeavesOrderPending(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 1, 1000)

	o, err := s.CreateOrder(ctx, "u1", a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	// Someone else takes the last seat before payment.
	if _, err := s.Join(ctx, "u2", a.ID, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.PayOrder(ctx, o.OrderNumber, "u1"); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	// All-or-nothing: the order stays pending, no registration exists.
	got, _ := s.GetOrder(ctx, o.OrderNumber)
	if got.Status != OrderPending {
		t.Fatalf("order should remain pending, got %s", got.Status)
	}
	regs, _ := s.ListUserRegistrations(ctx, "u1")
	if len(regs) != 0 {
		t.Fatalf("no registration expected, got %v", regs)
	}
}

func TestCreateOrderWhileRegistered(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 5, 1000)

	if _, err := s.Join(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOrder(ctx, "u1", a.ID, ""); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate ordering while registered, got %v", err)
	}
	// After cancelling, ordering is possible again.
	if err := s.CancelRegistration(ctx, "u1", a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOrder(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
}

func TestPayOrderAlreadyRegistered(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 5, 1000)

	o, err := s.CreateOrder(ctx, "u1", a.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, "u1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PayOrder(ctx, o.OrderNumber, "u1"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate paying while registered, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 1000)

	// Pending order: plain cancel, no seat involved.
	o, _ := s.CreateOrder(ctx, "u1", a.ID, "")
	cancelled, err := s.CancelOrder(ctx, o.OrderNumber, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != OrderCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := s.CancelOrder(ctx, o.OrderNumber, "u1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double cancel, got %v", err)
	}

	// Paid order: cancel reverses everything.
	o2, _ := s.CreateOrder(ctx, "u2", a.ID, "")
	if _, err := s.PayOrder(ctx, o2.OrderNumber, "u2"); err != nil {
		t.Fatal(err)
	}
	reversed, err := s.CancelOrder(ctx, o2.OrderNumber, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if reversed.Status != OrderRefunded {
		t.Fatalf("expected refunded, got %s", reversed.Status)
	}
	got, _ := s.GetActivity(ctx, a.ID)
	if got.CurrentParticipants != 0 {
		t.Fatalf("seat not released: %d", got.CurrentParticipants)
	}
}

func TestRefundOrderReversesAllEffects(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 1, 1000)

	o, _ := s.CreateOrder(ctx, "u1", a.ID, "")
	if _, err := s.PayOrder(ctx, o.OrderNumber, "u1"); err != nil {
		t.Fatal(err)
	}
	refunded, err := s.RefundOrder(ctx, o.OrderNumber, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Status != OrderRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	got, _ := s.GetActivity(ctx, a.ID)
	if got.CurrentParticipants != 0 {
		t.Fatalf("seat not released: %d", got.CurrentParticipants)
	}
	regs, _ := s.ListUserRegistrations(ctx, "u1")
	if len(regs) != 0 {
		t.Fatalf("registration should be removed, got %v", regs)
	}
	// Seat is free for someone else.
	if _, err := s.Join(ctx, "u2", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	// Refunding twice is rejected.
	if _, err := s.RefundOrder(ctx, o.OrderNumber, "u1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRefundAfterSeparateCancelKeepsCounter(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 2, 1000)

	o, _ := s.CreateOrder(ctx, "u1", a.ID, "")
	if _, err := s.PayOrder(ctx, o.OrderNumber, "u1"); err != nil {
		t.Fatal(err)
	}
	// User cancels the registration on its own; the seat is released.
	if err := s.CancelRegistration(ctx, "u1", a.ID); err != nil {
		t.Fatal(err)
	}
	// The refund must not release a second seat.
	if _, err := s.RefundOrder(ctx, o.OrderNumber, "u1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetActivity(ctx, a.ID)
	if got.CurrentParticipants != 0 {
		t.Fatalf("counter drifted below zero logically: %d", got.CurrentParticipants)
	}
}

func TestOrderStats(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 10, 500)
	b, err := s.CreateActivity(ctx, CreateActivityInput{
		Title:           "Second",
		StartTime:       testNow.Add(24 * time.Hour),
		EndTime:         testNow.Add(26 * time.Hour),
		Price:           300,
		MaxParticipants: 10,
	}, "creator-1")
	if err != nil {
		t.Fatal(err)
	}

	o1, _ := s.CreateOrder(ctx, "u1", a.ID, "")
	if _, err := s.PayOrder(ctx, o1.OrderNumber, "u1"); err != nil {
		t.Fatal(err)
	}
	o2, _ := s.CreateOrder(ctx, "u1", b.ID, "")
	if _, err := s.CancelOrder(ctx, o2.OrderNumber, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOrder(ctx, "u1", b.ID, ""); err != nil {
		t.Fatal(err)
	}

	stats, err := s.OrderStats(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := OrderStats{TotalOrders: 3, PaidOrders: 1, PendingOrders: 1, CancelledOrders: 1, TotalAmount: 500}
	if stats != want {
		t.Fatalf("stats mismatch: got %+v want %+v", stats, want)
	}
}

func TestComments(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 10, 0)

	if _, err := s.CreateComment(ctx, "u1", a.ID, "  ", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank content, got %v", err)
	}
	if _, err := s.CreateComment(ctx, "u1", a.ID, "great", 6); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for rating 6, got %v", err)
	}

	if _, err := s.CreateComment(ctx, "u1", a.ID, "great game", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateComment(ctx, "u1", a.ID, "again", 4); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.CreateComment(ctx, "u2", a.ID, "decent", 4); err != nil {
		t.Fatal(err)
	}
	// Unrated comment does not drag the average down.
	if _, err := s.CreateComment(ctx, "u3", a.ID, "was there", 0); err != nil {
		t.Fatal(err)
	}

	page, err := s.ListComments(ctx, a.ID, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 comments, got %d", page.Total)
	}
	if page.AverageRating != 4.5 {
		t.Fatalf("expected average 4.5, got %v", page.AverageRating)
	}

	stats, err := s.RatingStats(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalComments != 3 || stats.Distribution[5] != 1 || stats.Distribution[4] != 1 {
		t.Fatalf("stats mismatch: %+v", stats)
	}
}

func TestDeleteComment(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	a := newTestActivity(t, s, 10, 0)

	c, err := s.CreateComment(ctx, "u1", a.ID, "nice", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteComment(ctx, c.ID, "intruder"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.DeleteComment(ctx, c.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteComment(ctx, c.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
