package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Service provides audit logging capabilities
// All operations are append-only; no updates or deletes are supported
type Service struct {
	db *sql.DB
}

// NewService creates a new audit service
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Log creates a new audit event (append-only, immutable)
// This is the ONLY way to create audit events - no updates, no deletes
func (s *Service) Log(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewV7().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	details := event.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frame_audit_log (id, actor_id, actor_type, action, entity_type, entity_id, details, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ActorID, string(event.ActorType), event.Action,
		event.EntityType, event.EntityID, string(details),
		string(event.Outcome), event.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	return nil
}

// LogAction is a helper for the common case of an actor acting on an entity.
func (s *Service) LogAction(ctx context.Context, actorID string, actorType ActorType, action, entityType, entityID string, details any, outcome Outcome) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		raw = b
	}
	event := &Event{
		ActorID:   actorID,
		ActorType: actorType,
		Action:    action,
		Details:   raw,
		Outcome:   outcome,
	}
	if entityType != "" {
		event.EntityType = &entityType
	}
	if entityID != "" {
		event.EntityID = &entityID
	}
	return s.Log(ctx, event)
}

// ListFilter narrows List output. Zero values mean "any".
type ListFilter struct {
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	Outcome    Outcome
	Limit      int
	Offset     int
}

// List retrieves audit events, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Event, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.ActorID != "" {
		where += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		where += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.EntityType != "" {
		where += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Outcome != "" {
		where += ` AND outcome = ?`
		args = append(args, string(f.Outcome))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frame_audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, actor_id, actor_type, action, entity_type, entity_id, details, outcome, created_at
		FROM frame_audit_log`)
	sb.WriteString(where)
	sb.WriteString(` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		var e Event
		var actorType, outcome, details, created string
		if err := rows.Scan(&e.ID, &e.ActorID, &actorType, &e.Action,
			&e.EntityType, &e.EntityID, &details, &outcome, &created); err != nil {
			return nil, 0, fmt.Errorf("audit: scan: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.Outcome = Outcome(outcome)
		e.Details = json.RawMessage(details)
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		events = append(events, &e)
	}
	return events, total, rows.Err()
}

// GetByID retrieves a single audit event by ID
func (s *Service) GetByID(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, actor_id, actor_type, action, entity_type, entity_id, details, outcome, created_at
		FROM frame_audit_log WHERE id = ?`, id)
	var e Event
	var actorType, outcome, details, created string
	err := row.Scan(&e.ID, &e.ActorID, &actorType, &e.Action,
		&e.EntityType, &e.EntityID, &details, &outcome, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("audit: event %s not found", id)
		}
		return nil, fmt.Errorf("audit: get: %w", err)
	}
	e.ActorType = ActorType(actorType)
	e.Outcome = Outcome(outcome)
	e.Details = json.RawMessage(details)
	e.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &e, nil
}
