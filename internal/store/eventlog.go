package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pairvault/pkg/schema"
)

// --- Security events ---

// AppendSecurityEvent appends an event with a monotonically increasing sequence.
func (s *LibSQLStore) AppendSecurityEvent(ctx context.Context, ev *schema.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Timestamp = timeOrNow(ev.Timestamp).UTC()

	var details any
	if len(ev.Details) > 0 {
		raw, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM security_events`).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO security_events (id, seq, kind, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, seq, ev.Kind, details, ev.Timestamp,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns events oldest first. With a Limit, the newest
// Limit events are returned, still oldest first.
func (s *LibSQLStore) ListSecurityEvents(ctx context.Context, filter EventFilter) ([]*schema.SecurityEvent, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT id, seq, kind, details, timestamp FROM security_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	events := make([]*schema.SecurityEvent, len(recs))
	for i, r := range recs {
		events[len(recs)-1-i] = r.SecurityEvent
	}
	return events, nil
}

type eventRecord struct {
	*schema.SecurityEvent
	Seq int64
}

func scanEvents(rows *sql.Rows) ([]eventRecord, error) {
	var out []eventRecord
	for rows.Next() {
		ev := &schema.SecurityEvent{}
		var (
			seq     int64
			details sql.NullString
			ts      time.Time
		)
		if err := rows.Scan(&ev.ID, &seq, &ev.Kind, &details, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = ts
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		out = append(out, eventRecord{SecurityEvent: ev, Seq: seq})
	}
	return out, rows.Err()
}

// VerifyEventSequence checks that the audit log sequence has no gaps, which
// would indicate rows removed outside the application. It returns the
// number of events checked.
func (s *LibSQLStore) VerifyEventSequence(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, seq, kind, details, timestamp FROM security_events ORDER BY seq ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	recs, err := scanEvents(rows)
	if err != nil {
		return 0, err
	}
	for i, r := range recs {
		expected := int64(i + 1)
		if r.Seq != expected {
			return i, schema.NewErrorf(schema.ErrCodeStore,
				"audit log sequence gap: expected %d, got %d", expected, r.Seq)
		}
	}
	return len(recs), nil
}
