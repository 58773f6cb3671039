// Package pgnotify publishes events over PostgreSQL LISTEN/NOTIFY.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/vantage/internal/events"
)

// Channel is the NOTIFY channel events are sent on.
const Channel = "vantage_events"

// maxPayload stays under the server's 8000 byte NOTIFY limit.
const maxPayload = 7900

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Publisher sends each event as a JSON NOTIFY payload.
type Publisher struct {
	db      Execer
	channel string
}

// New returns a Publisher on Channel.
func New(db Execer) *Publisher {
	return &Publisher{db: db, channel: Channel}
}

// Publish implements events.Publisher. Events too large for NOTIFY are sent
// without their payload; listeners re-read the record by id.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}
	if _, err := p.db.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, string(body)); err != nil {
		return fmt.Errorf("pgnotify: notify %s: %w", p.channel, err)
	}
	return nil
}

func encode(ev events.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: marshal event: %w", err)
	}
	if len(body) <= maxPayload {
		return body, nil
	}
	ev.Payload = nil
	body, err = json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: marshal event: %w", err)
	}
	return body, nil
}

// Listen subscribes conn to Channel and calls fn for every event until ctx
// is done or the connection fails. Payloads that do not decode are skipped.
func Listen(ctx context.Context, conn *pgx.Conn, fn func(events.Event)) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		return fmt.Errorf("pgnotify: listen %s: %w", Channel, err)
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pgnotify: wait for notification: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
