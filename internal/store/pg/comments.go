package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"sportloop.org/internal/activity"
	"sportloop.org/internal/ids"
)

const commentColumns = `id, user_id, activity_id, content, rating, created_at`

func scanComment(row interface{ Scan(...any) error }) (activity.Comment, error) {
	var c activity.Comment
	err := row.Scan(&c.ID, &c.UserID, &c.ActivityID, &c.Content, &c.Rating, &c.CreatedAt)
	return c, err
}

func (s *Store) CreateComment(ctx context.Context, userID, activityID, content string, rating int) (activity.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return activity.Comment{}, fmt.Errorf("%w: content is required", activity.ErrInvalidInput)
	}
	if rating != 0 && (rating < 1 || rating > 5) {
		return activity.Comment{}, fmt.Errorf("%w: rating must be between 1 and 5", activity.ErrInvalidInput)
	}
	if _, err := s.GetActivity(ctx, activityID); err != nil {
		return activity.Comment{}, err
	}

	c := activity.Comment{
		ID:         ids.New(),
		UserID:     userID,
		ActivityID: activityID,
		Content:    content,
		Rating:     rating,
		CreatedAt:  s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into comments(id, user_id, activity_id, content, rating, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.UserID, c.ActivityID, c.Content, c.Rating, c.CreatedAt)
	if isUniqueViolation(err) {
		return activity.Comment{}, fmt.Errorf("%w: already commented on this activity", activity.ErrDuplicate)
	}
	if err != nil {
		return activity.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

func (s *Store) ListComments(ctx context.Context, activityID string, page, limit int) (activity.CommentPage, error) {
	if _, err := s.GetActivity(ctx, activityID); err != nil {
		return activity.CommentPage{}, err
	}
	f := activity.ListFilter{Page: page, Limit: limit}
	f.Normalize()

	var (
		total int
		avg   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		select count(*), avg(rating) filter (where rating > 0)
		from comments where activity_id=$1
	`, activityID).Scan(&total, &avg)
	if err != nil {
		return activity.CommentPage{}, fmt.Errorf("comment aggregates: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select `+commentColumns+` from comments
		where activity_id=$1 order by created_at desc limit $2 offset $3
	`, activityID, f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return activity.CommentPage{}, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	p := activity.CommentPage{Comments: []activity.Comment{}, Total: total}
	if avg.Valid {
		p.AverageRating = math.Round(avg.Float64*10) / 10
	}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return activity.CommentPage{}, err
		}
		p.Comments = append(p.Comments, c)
	}
	return p, rows.Err()
}

func (s *Store) RatingStats(ctx context.Context, activityID string) (activity.RatingStats, error) {
	if _, err := s.GetActivity(ctx, activityID); err != nil {
		return activity.RatingStats{}, err
	}

	st := activity.RatingStats{Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		select count(*), avg(rating) filter (where rating > 0)
		from comments where activity_id=$1
	`, activityID).Scan(&st.TotalComments, &avg)
	if err != nil {
		return activity.RatingStats{}, fmt.Errorf("rating aggregates: %w", err)
	}
	if avg.Valid {
		st.AverageRating = math.Round(avg.Float64*10) / 10
	}

	rows, err := s.db.QueryContext(ctx, `
		select rating, count(*) from comments
		where activity_id=$1 and rating between 1 and 5 group by rating
	`, activityID)
	if err != nil {
		return activity.RatingStats{}, fmt.Errorf("rating distribution: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rating, n int
		if err := rows.Scan(&rating, &n); err != nil {
			return activity.RatingStats{}, err
		}
		st.Distribution[rating] = n
	}
	return st, rows.Err()
}

func (s *Store) DeleteComment(ctx context.Context, commentID, userID string) error {
	var authorID string
	err := s.db.QueryRowContext(ctx,
		`select user_id from comments where id=$1`, commentID).Scan(&authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.ErrNotFound
	}
	if err != nil {
		return err
	}
	if authorID != userID {
		return fmt.Errorf("%w: only the author may delete a comment", activity.ErrForbidden)
	}
	_, err = s.db.ExecContext(ctx, `delete from comments where id=$1`, commentID)
	return err
}
