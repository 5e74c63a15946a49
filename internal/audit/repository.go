// Package audit stores the bridge's lifecycle events in the bridge_events
// table and reads them back.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent is returned by Create for an event without an action.
var ErrInvalidEvent = errors.New("audit: event action is required")

// timeLayout sorts lexicographically, so ORDER BY created_at is chronological.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Event is one row of the event log.
type Event struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ChannelID *int           `json:"channel_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which events List returns.
type Filter struct {
	Action    string // optional: config_loaded, session_lost, ...
	ChannelID *int   // optional: one channel's events
	Limit     int    // default 50, max 200
	Offset    int
}

// ListResult is one page of events.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository defines the event log operations.
type Repository interface {
	Create(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository is the event log on SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an event. ID and CreatedAt are filled in if empty.
func (r *SQLiteRepository) Create(ctx context.Context, event *Event) error {
	if event.Action == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = "evt-" + uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var detail any
	if len(event.Detail) > 0 {
		b, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshalling event detail: %w", err)
		}
		detail = string(b)
	}

	var channel any
	if event.ChannelID != nil {
		channel = *event.ChannelID
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridge_events (id, action, channel_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.Action, channel, detail,
		event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// List returns matching events, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.ChannelID != nil {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, *filter.ChannelID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM bridge_events " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}

	query := "SELECT id, action, channel_id, detail, created_at FROM bridge_events " + //nolint:gosec // WHERE built from parameterised conditions
		where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var channel sql.NullInt64
	var detail sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &e.Action, &channel, &detail, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scanning event: %w", err)
	}
	if channel.Valid {
		ch := int(channel.Int64)
		e.ChannelID = &ch
	}
	if detail.Valid && detail.String != "" {
		var m map[string]any
		if json.Unmarshal([]byte(detail.String), &m) == nil {
			e.Detail = m
		}
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		t, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return Event{}, fmt.Errorf("parsing event timestamp %q: %w", createdAt, err)
		}
	}
	e.CreatedAt = t
	return e, nil
}
