package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

// eventRow is the flat database shape of a security event.
type eventRow struct {
	ID                 string         `db:"id"`
	EventTime          time.Time      `db:"event_time"`
	Host               string         `db:"host"`
	Channel            string         `db:"channel"`
	WinEventID         int            `db:"win_event_id"`
	Level              string         `db:"level"`
	Username           string         `db:"username"`
	Message            string         `db:"message"`
	UniqueID           string         `db:"unique_id"`
	EventType          string         `db:"event_type"`
	RiskLevel          string         `db:"risk_level"`
	Confidence         int            `db:"confidence"`
	Summary            string         `db:"summary"`
	MitreTechniques    []byte         `db:"mitre_techniques"`
	RecommendedActions []byte         `db:"recommended_actions"`
	IsDeterministic    bool           `db:"is_deterministic"`
	CorrelationID      stdsql.NullString `db:"correlation_id"`
	CorrelationScore   float64        `db:"correlation_score"`
	BurstScore         float64        `db:"burst_score"`
	AnomalyScore       float64        `db:"anomaly_score"`
	Status             string         `db:"status"`
	CreatedAt          time.Time      `db:"created_at"`
}

func rowFromEvent(e *models.SecurityEvent) (*eventRow, error) {
	mitre, err := json.Marshal(orEmpty(e.MitreTechniques))
	if err != nil {
		return nil, err
	}
	actions, err := json.Marshal(orEmpty(e.RecommendedActions))
	if err != nil {
		return nil, err
	}
	row := &eventRow{
		ID:                 e.ID,
		EventTime:          e.OriginalEvent.Time,
		Host:               e.OriginalEvent.Host,
		Channel:            e.OriginalEvent.Channel,
		WinEventID:         e.OriginalEvent.EventID,
		Level:              e.OriginalEvent.Level,
		Username:           e.OriginalEvent.User,
		Message:            e.OriginalEvent.Message,
		UniqueID:           e.OriginalEvent.UniqueID,
		EventType:          string(e.EventType),
		RiskLevel:          string(e.RiskLevel),
		Confidence:         e.Confidence,
		Summary:            e.Summary,
		MitreTechniques:    mitre,
		RecommendedActions: actions,
		IsDeterministic:    e.IsDeterministic,
		CorrelationScore:   e.CorrelationScore,
		BurstScore:         e.BurstScore,
		AnomalyScore:       e.AnomalyScore,
		Status:             string(e.Status),
		CreatedAt:          e.CreatedAt,
	}
	if e.CorrelationID != "" {
		row.CorrelationID = stdsql.NullString{String: e.CorrelationID, Valid: true}
	}
	return row, nil
}

func (r *eventRow) toEvent() (*models.SecurityEvent, error) {
	var mitre, actions []string
	if err := json.Unmarshal(r.MitreTechniques, &mitre); err != nil {
		return nil, fmt.Errorf("event %s: corrupt mitre_techniques: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.RecommendedActions, &actions); err != nil {
		return nil, fmt.Errorf("event %s: corrupt recommended_actions: %w", r.ID, err)
	}
	e := &models.SecurityEvent{
		ID: r.ID,
		OriginalEvent: models.LogEvent{
			Time:     r.EventTime,
			Host:     r.Host,
			Channel:  r.Channel,
			EventID:  r.WinEventID,
			Level:    r.Level,
			User:     r.Username,
			Message:  r.Message,
			UniqueID: r.UniqueID,
		},
		EventType:          models.EventType(r.EventType),
		RiskLevel:          models.RiskLevel(r.RiskLevel),
		Confidence:         r.Confidence,
		Summary:            r.Summary,
		MitreTechniques:    mitre,
		RecommendedActions: actions,
		IsDeterministic:    r.IsDeterministic,
		CorrelationScore:   r.CorrelationScore,
		BurstScore:         r.BurstScore,
		AnomalyScore:       r.AnomalyScore,
		Status:             models.EventStatus(r.Status),
		CreatedAt:          r.CreatedAt,
	}
	if r.CorrelationID.Valid {
		e.CorrelationID = r.CorrelationID.String
	}
	return e, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const eventColumns = `id, event_time, host, channel, win_event_id, level, username, message,
	unique_id, event_type, risk_level, confidence, summary, mitre_techniques,
	recommended_actions, is_deterministic, correlation_id, correlation_score,
	burst_score, anomaly_score, status, created_at`

// Save persists a security event, idempotent on id: a second save of
// the same id leaves the stored row untouched.
func (c *Client) Save(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		return fmt.Errorf("saving security event: empty id")
	}
	row, err := rowFromEvent(event)
	if err != nil {
		return fmt.Errorf("encoding security event %s: %w", event.ID, err)
	}
	_, err = c.db.NamedExecContext(ctx, `
		INSERT INTO security_events (`+eventColumns+`)
		VALUES (:id, :event_time, :host, :channel, :win_event_id, :level, :username, :message,
			:unique_id, :event_type, :risk_level, :confidence, :summary, :mitre_techniques,
			:recommended_actions, :is_deterministic, :correlation_id, :correlation_score,
			:burst_score, :anomaly_score, :status, :created_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("saving security event %s: %w", event.ID, err)
	}
	return nil
}

// GetByID fetches one event; nil without error when absent.
func (c *Client) GetByID(ctx context.Context, id string) (*models.SecurityEvent, error) {
	var row eventRow
	err := c.db.GetContext(ctx, &row,
		`SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching security event %s: %w", id, err)
	}
	return row.toEvent()
}

// EventFilter narrows List queries. Zero-valued fields do not filter.
type EventFilter struct {
	From       *time.Time
	To         *time.Time
	RiskLevels []models.RiskLevel
	EventTypes []models.EventType
	Hosts      []string
	Users      []string
	// Sources filters by the originating log channel.
	Sources []string
	Status  models.EventStatus
	// Query runs a text search over message and summary. ExactMatch
	// requires the exact phrase; Fuzzy uses full-text search; neither
	// does a case-insensitive substring match.
	Query      string
	ExactMatch bool
	Fuzzy      bool
}

func (f EventFilter) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.From != nil {
		add("event_time >= $%d", *f.From)
	}
	if f.To != nil {
		add("event_time < $%d", *f.To)
	}
	if len(f.RiskLevels) > 0 {
		add("risk_level = ANY($%d)", stringSlice(f.RiskLevels))
	}
	if len(f.EventTypes) > 0 {
		add("event_type = ANY($%d)", stringSlice(f.EventTypes))
	}
	if len(f.Hosts) > 0 {
		add("host = ANY($%d)", f.Hosts)
	}
	if len(f.Users) > 0 {
		add("username = ANY($%d)", f.Users)
	}
	if len(f.Sources) > 0 {
		add("channel = ANY($%d)", f.Sources)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Query != "" {
		switch {
		case f.ExactMatch:
			add("(message = $%d OR summary = $%[1]d)", f.Query)
		case f.Fuzzy:
			add("to_tsvector('english', message || ' ' || summary) @@ plainto_tsquery('english', $%d)", f.Query)
		default:
			add("(message ILIKE $%d OR summary ILIKE $%[1]d)", "%"+f.Query+"%")
		}
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func stringSlice[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// List returns a page of events ordered by event time descending.
// Pages are 1-based.
func (c *Client) List(ctx context.Context, page, perPage int, filter EventFilter) ([]*models.SecurityEvent, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	where, args := filter.where()
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`SELECT `+eventColumns+` FROM security_events%s
		ORDER BY event_time DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	var rows []eventRow
	if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	return c.decodeRows(rows)
}

// decodeRows converts rows, quarantining corrupt ones instead of
// failing the whole page.
func (c *Client) decodeRows(rows []eventRow) ([]*models.SecurityEvent, error) {
	events := make([]*models.SecurityEvent, 0, len(rows))
	for i := range rows {
		event, err := rows[i].toEvent()
		if err != nil {
			c.logger.Warn("Skipping corrupt security event row", "id", rows[i].ID, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Count returns the number of events matching the filter.
func (c *Client) Count(ctx context.Context, filter EventFilter) (int, error) {
	where, args := filter.where()
	var count int
	err := c.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM security_events"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("counting security events: %w", err)
	}
	return count, nil
}

// CountByRiskLevel returns event counts per risk level.
func (c *Client) CountByRiskLevel(ctx context.Context) (map[models.RiskLevel]int, error) {
	return countBy(ctx, c, "risk_level", func(s string) models.RiskLevel { return models.RiskLevel(s) })
}

// CountByStatus returns event counts per triage status.
func (c *Client) CountByStatus(ctx context.Context) (map[models.EventStatus]int, error) {
	return countBy(ctx, c, "status", func(s string) models.EventStatus { return models.EventStatus(s) })
}

func countBy[K comparable](ctx context.Context, c *Client, column string, key func(string) K) (map[K]int, error) {
	rows, err := c.db.QueryxContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM security_events GROUP BY %s", column, column))
	if err != nil {
		return nil, fmt.Errorf("counting by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[K]int)
	for rows.Next() {
		var value string
		var count int
		if err := rows.Scan(&value, &count); err != nil {
			return nil, fmt.Errorf("scanning %s count: %w", column, err)
		}
		counts[key(value)] = count
	}
	return counts, rows.Err()
}

// GetInRange returns events in [from, to) optionally narrowed to the
// given event types, ordered by event time ascending for window scans.
func (c *Client) GetInRange(ctx context.Context, from, to time.Time, eventTypes []models.EventType) ([]*models.SecurityEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM security_events
		WHERE event_time >= $1 AND event_time < $2`
	args := []any{from, to}
	if len(eventTypes) > 0 {
		query += " AND event_type = ANY($3)"
		args = append(args, stringSlice(eventTypes))
	}
	query += " ORDER BY event_time ASC"

	var rows []eventRow
	if err := c.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("fetching events in range: %w", err)
	}
	return c.decodeRows(rows)
}

// UpdateEventScores raises the per-event correlation scores to at least
// the given values and stamps the owning correlation id. Scores only
// ever go up, matching the max-over-correlations contract.
func (c *Client) UpdateEventScores(ctx context.Context, eventID, correlationID string, correlationScore, burstScore, anomalyScore float64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE security_events SET
			correlation_id = COALESCE(correlation_id, $2),
			correlation_score = GREATEST(correlation_score, $3),
			burst_score = GREATEST(burst_score, $4),
			anomaly_score = GREATEST(anomaly_score, $5)
		WHERE id = $1`,
		eventID, correlationID, correlationScore, burstScore, anomalyScore)
	if err != nil {
		return fmt.Errorf("updating scores for event %s: %w", eventID, err)
	}
	return nil
}

// UpdateStatus moves an event through the triage lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, eventID string, status models.EventStatus) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE security_events SET status = $2 WHERE id = $1`, eventID, string(status))
	if err != nil {
		return fmt.Errorf("updating status for event %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("updating status: event %s not found", eventID)
	}
	return nil
}
