package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	statusReady   = "ready"
	statusClaimed = "claimed"

	// timeLayout pads the fraction to nine digits so the string comparisons
	// in the sweep and claim queries order chronologically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

	// DefaultClaimTTL bounds how long a consumer may sit on an unacked
	// message before it is redelivered to someone else.
	DefaultClaimTTL = 2 * time.Minute
)

// SQLiteBroker is a queue over the service database's queue_messages table.
// Claiming uses a single UPDATE..RETURNING so concurrent consumers never
// double-claim; expired claims are swept back to ready on the consume path,
// which is what makes delivery at-least-once rather than at-most-once.
type SQLiteBroker struct {
	db       *sql.DB
	claimTTL time.Duration
	now      func() time.Time
}

// NewSQLiteBroker creates a broker over an already-bootstrapped database.
func NewSQLiteBroker(db *sql.DB) *SQLiteBroker {
	return &SQLiteBroker{db: db, claimTTL: DefaultClaimTTL, now: time.Now}
}

// WithClaimTTL overrides the redelivery window. Mostly for tests.
func (b *SQLiteBroker) WithClaimTTL(ttl time.Duration) *SQLiteBroker {
	b.claimTTL = ttl
	return b
}

var _ Broker = (*SQLiteBroker)(nil)

func (b *SQLiteBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if queue == "" {
		return fmt.Errorf("queue name is empty")
	}
	if len(body) == 0 {
		return fmt.Errorf("message body is empty")
	}

	now := b.now().UTC().Format(timeLayout)
	_, err := b.db.ExecContext(ctx, `
INSERT INTO queue_messages(id, queue, body, status, delivery_count, available_at, created_at)
VALUES(?, ?, ?, ?, 0, ?, ?);
`, uuid.NewString(), queue, body, statusReady, now, now)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

func (b *SQLiteBroker) Consume(ctx context.Context, queue string) (*Delivery, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue name is empty")
	}

	now := b.now().UTC()
	nowS := now.Format(timeLayout)

	// Sweep expired claims back to ready before claiming. This is the
	// redelivery path for consumers that died mid-message.
	if _, err := b.db.ExecContext(ctx, `
UPDATE queue_messages
SET status = ?, claim_deadline = NULL
WHERE queue = ? AND status = ? AND claim_deadline <= ?;
`, statusReady, queue, statusClaimed, nowS); err != nil {
		return nil, fmt.Errorf("sweep expired claims on %q: %w", queue, err)
	}

	deadline := now.Add(b.claimTTL).Format(timeLayout)
	row := b.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM queue_messages
  WHERE queue = ? AND status = ? AND available_at <= ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE queue_messages
SET status = ?, claim_deadline = ?, delivery_count = delivery_count + 1
WHERE id IN (SELECT id FROM next)
RETURNING id, body, delivery_count;
`, queue, statusReady, nowS, statusClaimed, deadline)

	var d Delivery
	err := row.Scan(&d.ID, &d.Body, &d.DeliveryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume from %q: %w", queue, err)
	}
	d.Queue = queue
	return &d, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery is empty")
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM queue_messages WHERE id = ?;", d.ID); err != nil {
		return fmt.Errorf("ack message %q: %w", d.ID, err)
	}
	return nil
}

func (b *SQLiteBroker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery is empty")
	}
	availableAt := b.now().UTC().Add(delay).Format(timeLayout)
	_, err := b.db.ExecContext(ctx, `
UPDATE queue_messages
SET status = ?, claim_deadline = NULL, available_at = ?
WHERE id = ?;
`, statusReady, availableAt, d.ID)
	if err != nil {
		return fmt.Errorf("nack message %q: %w", d.ID, err)
	}
	return nil
}

func (b *SQLiteBroker) Depth(ctx context.Context, queue string) (int, error) {
	var depth int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_messages WHERE queue = ?;", queue).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth for %q: %w", queue, err)
	}
	return depth, nil
}
