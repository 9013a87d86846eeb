// Package postgres implements the storage interfaces on PostgreSQL. The
// schema is owned by the surrounding platform; this package only issues
// create/read/conditional-update statements, never migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/openpromo/adboard/internal/app/domain/campaign"
	"github.com/openpromo/adboard/internal/app/domain/order"
	"github.com/openpromo/adboard/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.OrderStore = (*Store)(nil)
var _ storage.CampaignStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// orderRow mirrors the ad_orders table. Channel ids are stored as a JSON
// array column.
type orderRow struct {
	ID                string          `db:"id"`
	BuyerID           int64           `db:"buyer_id"`
	ChannelIDs        []byte          `db:"channel_ids"`
	ContentRef        string          `db:"content_ref"`
	DurationDays      int             `db:"duration_days"`
	BonusDays         int             `db:"bonus_days"`
	Price             decimal.Decimal `db:"price"`
	DiscountPercent   decimal.Decimal `db:"discount_percent"`
	MemoToken         string          `db:"memo_token"`
	SettlementAddress string          `db:"settlement_address"`
	Status            string          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	ExpiresAt         time.Time       `db:"expires_at"`
	ConfirmedAt       sql.NullTime    `db:"confirmed_at"`
}

func (r orderRow) toDomain() (order.Order, error) {
	ord := order.Order{
		ID:                r.ID,
		BuyerID:           r.BuyerID,
		ContentRef:        r.ContentRef,
		DurationDays:      r.DurationDays,
		BonusDays:         r.BonusDays,
		Price:             r.Price,
		DiscountPercent:   r.DiscountPercent,
		MemoToken:         r.MemoToken,
		SettlementAddress: r.SettlementAddress,
		Status:            order.Status(r.Status),
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
	}
	if r.ConfirmedAt.Valid {
		ord.ConfirmedAt = r.ConfirmedAt.Time
	}
	if len(r.ChannelIDs) > 0 {
		if err := json.Unmarshal(r.ChannelIDs, &ord.ChannelIDs); err != nil {
			return order.Order{}, fmt.Errorf("decode channel ids: %w", err)
		}
	}
	return ord, nil
}

// OrderStore implementation --------------------------------------------------

func (s *Store) CreateOrder(ctx context.Context, ord order.Order) (order.Order, error) {
	if ord.ID == "" {
		ord.ID = uuid.NewString()
	}
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = time.Now().UTC()
	}

	channelsJSON, err := json.Marshal(ord.ChannelIDs)
	if err != nil {
		return order.Order{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ad_orders (
			id, buyer_id, channel_ids, content_ref, duration_days, bonus_days,
			price, discount_percent, memo_token, settlement_address, status,
			created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, ord.ID, ord.BuyerID, channelsJSON, ord.ContentRef, ord.DurationDays, ord.BonusDays,
		ord.Price, ord.DiscountPercent, ord.MemoToken, ord.SettlementAddress, ord.Status,
		ord.CreatedAt, ord.ExpiresAt)
	if err != nil {
		return order.Order{}, err
	}
	return ord, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, buyer_id, channel_ids, content_ref, duration_days, bonus_days,
		       price, discount_percent, memo_token, settlement_address, status,
		       created_at, expires_at, confirmed_at
		FROM ad_orders
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, err
	}
	return row.toDomain()
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, buyer_id, channel_ids, content_ref, duration_days, bonus_days,
		       price, discount_percent, memo_token, settlement_address, status,
		       created_at, expires_at, confirmed_at
		FROM ad_orders
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}

	result := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		ord, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, ord)
	}
	return result, nil
}

func (s *Store) ConfirmOrder(ctx context.Context, id string, rec order.PaymentRecord, at time.Time) (order.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback()

	at = at.UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE ad_orders
		SET status = $2, confirmed_at = $3
		WHERE id = $1 AND status = $4
	`, id, order.StatusConfirmed, at, order.StatusPending)
	if err != nil {
		return order.Order{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.Order{}, s.classifyConfirmConflict(ctx, id)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ad_payment_records (order_id, expected_amount, received_amount, tx_reference, detected_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, rec.ExpectedAmount, rec.ReceivedAmount, rec.TxReference, rec.DetectedAt.UTC(), at)
	if err != nil {
		return order.Order{}, err
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return s.GetOrder(ctx, id)
}

// classifyConfirmConflict distinguishes the idempotent duplicate-confirm case
// from a genuinely illegal transition once the conditional update missed.
func (s *Store) classifyConfirmConflict(ctx context.Context, id string) error {
	current, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	switch current.Status {
	case order.StatusConfirmed, order.StatusActive, order.StatusCompleted:
		return order.ErrAlreadyProcessed
	default:
		return fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, current.Status, order.StatusConfirmed)
	}
}

func (s *Store) ExpireOrder(ctx context.Context, id string, at time.Time) (order.Order, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_orders
		SET status = $2
		WHERE id = $1 AND status = $3
		  AND NOT EXISTS (SELECT 1 FROM ad_payment_records WHERE order_id = $1)
	`, id, order.StatusExpired, order.StatusPending)
	if err != nil {
		return order.Order{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := s.GetOrder(ctx, id)
		if err != nil {
			return order.Order{}, err
		}
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, current.Status, order.StatusExpired)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) TransitionOrder(ctx context.Context, id string, from, to order.Status) (order.Order, error) {
	if !from.CanTransitionTo(to) {
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, from, to)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_orders
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, to, from)
	if err != nil {
		return order.Order{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := s.GetOrder(ctx, id)
		if err != nil {
			return order.Order{}, err
		}
		return order.Order{}, fmt.Errorf("%w: %s -> %s", order.ErrInvalidTransition, current.Status, to)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) GetPaymentRecord(ctx context.Context, orderID string) (order.PaymentRecord, error) {
	var rec order.PaymentRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT order_id, expected_amount, received_amount, tx_reference, detected_at, confirmed_at
		FROM ad_payment_records
		WHERE order_id = $1
	`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return order.PaymentRecord{}, fmt.Errorf("payment record for order %s not found", orderID)
	}
	if err != nil {
		return order.PaymentRecord{}, err
	}
	return rec, nil
}

// campaignRow mirrors the ad_campaigns table.
type campaignRow struct {
	ID          string    `db:"id"`
	OrderID     string    `db:"order_id"`
	BuyerID     int64     `db:"buyer_id"`
	ChannelIDs  []byte    `db:"channel_ids"`
	ContentRef  string    `db:"content_ref"`
	TotalPosts  int       `db:"total_posts"`
	PostsPerDay int       `db:"posts_per_day"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r campaignRow) toDomain() (campaign.Campaign, error) {
	c := campaign.Campaign{
		ID:          r.ID,
		OrderID:     r.OrderID,
		BuyerID:     r.BuyerID,
		ContentRef:  r.ContentRef,
		TotalPosts:  r.TotalPosts,
		PostsPerDay: r.PostsPerDay,
		Status:      campaign.Status(r.Status),
		CreatedAt:   r.CreatedAt,
	}
	if len(r.ChannelIDs) > 0 {
		if err := json.Unmarshal(r.ChannelIDs, &c.ChannelIDs); err != nil {
			return campaign.Campaign{}, fmt.Errorf("decode channel ids: %w", err)
		}
	}
	return c, nil
}

// postRow mirrors the ad_scheduled_posts table.
type postRow struct {
	ID            string         `db:"id"`
	CampaignID    string         `db:"campaign_id"`
	ChannelID     int64          `db:"channel_id"`
	ScheduledTime time.Time      `db:"scheduled_time"`
	Status        string         `db:"status"`
	PublishedTime sql.NullTime   `db:"published_time"`
	MessageRef    sql.NullString `db:"message_ref"`
	Error         sql.NullString `db:"error"`
}

func (r postRow) toDomain() campaign.ScheduledPost {
	post := campaign.ScheduledPost{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		ChannelID:     r.ChannelID,
		ScheduledTime: r.ScheduledTime,
		Status:        campaign.PostStatus(r.Status),
	}
	if r.PublishedTime.Valid {
		post.PublishedTime = r.PublishedTime.Time
	}
	if r.MessageRef.Valid {
		post.MessageRef = r.MessageRef.String
	}
	if r.Error.Valid {
		post.Error = r.Error.String
	}
	return post
}

// CampaignStore implementation -----------------------------------------------

func (s *Store) CreateCampaign(ctx context.Context, c campaign.Campaign, posts []campaign.ScheduledPost) (campaign.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.TotalPosts = len(posts)

	channelsJSON, err := json.Marshal(c.ChannelIDs)
	if err != nil {
		return campaign.Campaign{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return campaign.Campaign{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ad_campaigns (id, order_id, buyer_id, channel_ids, content_ref, total_posts, posts_per_day, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.OrderID, c.BuyerID, channelsJSON, c.ContentRef, c.TotalPosts, c.PostsPerDay, c.Status, c.CreatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}

	for _, post := range posts {
		if post.ID == "" {
			post.ID = uuid.NewString()
		}
		status := post.Status
		if status == "" {
			status = campaign.PostScheduled
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ad_scheduled_posts (id, campaign_id, channel_id, scheduled_time, status)
			VALUES ($1, $2, $3, $4, $5)
		`, post.ID, c.ID, post.ChannelID, post.ScheduledTime.UTC(), status)
		if err != nil {
			return campaign.Campaign{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return campaign.Campaign{}, err
	}
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, order_id, buyer_id, channel_ids, content_ref, total_posts, posts_per_day, status, created_at
		FROM ad_campaigns
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("%w: %s", campaign.ErrNotFound, id)
	}
	if err != nil {
		return campaign.Campaign{}, err
	}
	return row.toDomain()
}

func (s *Store) GetCampaignByOrder(ctx context.Context, orderID string) (campaign.Campaign, error) {
	var row campaignRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, order_id, buyer_id, channel_ids, content_ref, total_posts, posts_per_day, status, created_at
		FROM ad_campaigns
		WHERE order_id = $1
	`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("%w: order %s", campaign.ErrNotFound, orderID)
	}
	if err != nil {
		return campaign.Campaign{}, err
	}
	return row.toDomain()
}

func (s *Store) TransitionCampaign(ctx context.Context, id string, from, to campaign.Status) (campaign.Campaign, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_campaigns
		SET status = $2
		WHERE id = $1 AND status = $3
	`, id, to, from)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := s.GetCampaign(ctx, id)
		if err != nil {
			return campaign.Campaign{}, err
		}
		return campaign.Campaign{}, fmt.Errorf("campaign %s is %s, not %s", id, current.Status, from)
	}
	return s.GetCampaign(ctx, id)
}

func (s *Store) GetPost(ctx context.Context, id string) (campaign.ScheduledPost, error) {
	var row postRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, campaign_id, channel_id, scheduled_time, status, published_time, message_ref, error
		FROM ad_scheduled_posts
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: %s", campaign.ErrPostNotFound, id)
	}
	if err != nil {
		return campaign.ScheduledPost{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListCampaignPosts(ctx context.Context, campaignID string) ([]campaign.ScheduledPost, error) {
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, campaign_id, channel_id, scheduled_time, status, published_time, message_ref, error
		FROM ad_scheduled_posts
		WHERE campaign_id = $1
		ORDER BY scheduled_time
	`, campaignID)
	if err != nil {
		return nil, err
	}
	return toPosts(rows), nil
}

func (s *Store) ListDuePosts(ctx context.Context, before time.Time) ([]campaign.ScheduledPost, error) {
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, campaign_id, channel_id, scheduled_time, status, published_time, message_ref, error
		FROM ad_scheduled_posts
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time
	`, campaign.PostScheduled, before.UTC())
	if err != nil {
		return nil, err
	}
	return toPosts(rows), nil
}

func (s *Store) CountPostsByStatus(ctx context.Context, campaignID string, status campaign.PostStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM ad_scheduled_posts
		WHERE campaign_id = $1 AND status = $2
	`, campaignID, status)
	return count, err
}

func (s *Store) MarkPostPublished(ctx context.Context, id string, at time.Time, messageRef string) (campaign.ScheduledPost, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_scheduled_posts
		SET status = $2, published_time = $3, message_ref = $4, error = NULL
		WHERE id = $1 AND status = $5
	`, id, campaign.PostPublished, at.UTC(), messageRef, campaign.PostScheduled)
	if err != nil {
		return campaign.ScheduledPost{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: post %s", campaign.ErrInvalidPostTransition, id)
	}
	return s.GetPost(ctx, id)
}

func (s *Store) MarkPostFailed(ctx context.Context, id string, errText string) (campaign.ScheduledPost, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_scheduled_posts
		SET status = $2, error = $3
		WHERE id = $1 AND status = $4
	`, id, campaign.PostFailed, errText, campaign.PostScheduled)
	if err != nil {
		return campaign.ScheduledPost{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: post %s", campaign.ErrInvalidPostTransition, id)
	}
	return s.GetPost(ctx, id)
}

func (s *Store) RequeuePost(ctx context.Context, id string) (campaign.ScheduledPost, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE ad_scheduled_posts
		SET status = $2, error = NULL, scheduled_time = NOW()
		WHERE id = $1 AND status = $3
	`, id, campaign.PostScheduled, campaign.PostFailed)
	if err != nil {
		return campaign.ScheduledPost{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return campaign.ScheduledPost{}, fmt.Errorf("%w: post %s", campaign.ErrInvalidPostTransition, id)
	}
	return s.GetPost(ctx, id)
}

func toPosts(rows []postRow) []campaign.ScheduledPost {
	result := make([]campaign.ScheduledPost, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result
}
