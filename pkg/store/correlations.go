package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

type correlationRow struct {
	ID                 string    `db:"id"`
	DetectedAt         time.Time `db:"detected_at"`
	CorrelationType    string    `db:"correlation_type"`
	ConfidenceScore    float64   `db:"confidence_score"`
	Pattern            string    `db:"pattern"`
	TimeWindowSeconds  int64     `db:"time_window_seconds"`
	MitreTechniques    []byte    `db:"mitre_techniques"`
	RiskLevel          string    `db:"risk_level"`
	Summary            string    `db:"summary"`
	RecommendedActions []byte    `db:"recommended_actions"`
	DedupKey           string    `db:"dedup_key"`
}

const correlationColumns = `id, detected_at, correlation_type, confidence_score, pattern,
	time_window_seconds, mitre_techniques, risk_level, summary, recommended_actions, dedup_key`

// SaveCorrelation persists a correlation and its event links. The
// dedup key makes repeated detector passes over the same window
// idempotent; the return value reports whether the row was new.
func (c *Client) SaveCorrelation(ctx context.Context, corr *models.Correlation) (bool, error) {
	if corr.ID == "" {
		return false, fmt.Errorf("saving correlation: empty id")
	}
	mitre, err := json.Marshal(orEmpty(corr.MitreTechniques))
	if err != nil {
		return false, err
	}
	actions, err := json.Marshal(orEmpty(corr.RecommendedActions))
	if err != nil {
		return false, err
	}
	row := &correlationRow{
		ID:                 corr.ID,
		DetectedAt:         corr.DetectedAt,
		CorrelationType:    string(corr.CorrelationType),
		ConfidenceScore:    corr.ConfidenceScore,
		Pattern:            corr.Pattern,
		TimeWindowSeconds:  int64(corr.TimeWindow / time.Second),
		MitreTechniques:    mitre,
		RiskLevel:          string(corr.RiskLevel),
		Summary:            corr.Summary,
		RecommendedActions: actions,
		DedupKey:           corr.DedupKey(),
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("saving correlation %s: %w", corr.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO correlations (`+correlationColumns+`)
		VALUES (:id, :detected_at, :correlation_type, :confidence_score, :pattern,
			:time_window_seconds, :mitre_techniques, :risk_level, :summary,
			:recommended_actions, :dedup_key)
		ON CONFLICT (dedup_key) DO NOTHING`, row)
	if err != nil {
		return false, fmt.Errorf("saving correlation %s: %w", corr.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("saving correlation %s: %w", corr.ID, err)
	}
	if affected == 0 {
		return false, nil
	}

	for seq, eventID := range corr.EventIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO correlation_events (correlation_id, event_id, seq)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, corr.ID, eventID, seq); err != nil {
			return false, fmt.Errorf("linking correlation %s to event %s: %w", corr.ID, eventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("saving correlation %s: %w", corr.ID, err)
	}
	return true, nil
}

// ListCorrelations returns correlations detected in [from, to), newest
// first, with their ordered event IDs attached.
func (c *Client) ListCorrelations(ctx context.Context, from, to time.Time) ([]*models.Correlation, error) {
	var rows []correlationRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT `+correlationColumns+` FROM correlations
		WHERE detected_at >= $1 AND detected_at < $2
		ORDER BY detected_at DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing correlations: %w", err)
	}

	correlations := make([]*models.Correlation, 0, len(rows))
	for i := range rows {
		corr, err := c.hydrateCorrelation(ctx, &rows[i])
		if err != nil {
			c.logger.Warn("Skipping corrupt correlation row", "id", rows[i].ID, "error", err)
			continue
		}
		correlations = append(correlations, corr)
	}
	return correlations, nil
}

// HasCorrelation reports whether a correlation with the given dedup key
// already exists.
func (c *Client) HasCorrelation(ctx context.Context, dedupKey string) (bool, error) {
	var exists bool
	err := c.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM correlations WHERE dedup_key = $1)`, dedupKey)
	if err != nil {
		return false, fmt.Errorf("checking correlation %s: %w", dedupKey, err)
	}
	return exists, nil
}

// PruneCorrelations deletes correlations older than the retention
// window; links cascade. Constituent events may age out before their
// correlations do, so dangling event IDs are expected.
func (c *Client) PruneCorrelations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM correlations WHERE detected_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning correlations: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func (c *Client) hydrateCorrelation(ctx context.Context, row *correlationRow) (*models.Correlation, error) {
	var mitre, actions []string
	if err := json.Unmarshal(row.MitreTechniques, &mitre); err != nil {
		return nil, fmt.Errorf("corrupt mitre_techniques: %w", err)
	}
	if err := json.Unmarshal(row.RecommendedActions, &actions); err != nil {
		return nil, fmt.Errorf("corrupt recommended_actions: %w", err)
	}

	var eventIDs []string
	err := c.db.SelectContext(ctx, &eventIDs, `
		SELECT event_id FROM correlation_events
		WHERE correlation_id = $1 ORDER BY seq ASC`, row.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching correlation events: %w", err)
	}

	return &models.Correlation{
		ID:                 row.ID,
		DetectedAt:         row.DetectedAt,
		CorrelationType:    models.CorrelationType(row.CorrelationType),
		ConfidenceScore:    row.ConfidenceScore,
		Pattern:            row.Pattern,
		EventIDs:           eventIDs,
		TimeWindow:         time.Duration(row.TimeWindowSeconds) * time.Second,
		MitreTechniques:    mitre,
		RiskLevel:          models.RiskLevel(row.RiskLevel),
		Summary:            row.Summary,
		RecommendedActions: actions,
	}, nil
}
