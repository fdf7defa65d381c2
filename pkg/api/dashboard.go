package api

import (
	"context"
	"time"

	"github.com/sentrill/sentrill/pkg/broadcast"
	"github.com/sentrill/sentrill/pkg/models"
	"github.com/sentrill/sentrill/pkg/store"
)

// DashboardStore is the slice of the event store the dashboard needs.
type DashboardStore interface {
	Count(ctx context.Context, filter store.EventFilter) (int, error)
	CountByRiskLevel(ctx context.Context) (map[models.RiskLevel]int, error)
	CountByStatus(ctx context.Context) (map[models.EventStatus]int, error)
}

// Dashboard answers RequestDashboardData calls from the event store.
type Dashboard struct {
	store DashboardStore
}

// NewDashboard creates the dashboard source.
func NewDashboard(s DashboardStore) *Dashboard {
	return &Dashboard{store: s}
}

// Snapshot builds the aggregate view for one time range.
func (d *Dashboard) Snapshot(ctx context.Context, timeRange string, from, to time.Time) (broadcast.DashboardData, error) {
	total, err := d.store.Count(ctx, store.EventFilter{From: &from, To: &to})
	if err != nil {
		return broadcast.DashboardData{}, err
	}
	byRisk, err := d.store.CountByRiskLevel(ctx)
	if err != nil {
		return broadcast.DashboardData{}, err
	}
	byStatus, err := d.store.CountByStatus(ctx)
	if err != nil {
		return broadcast.DashboardData{}, err
	}
	return broadcast.DashboardData{
		TimeRange:        timeRange,
		TotalEvents:      total,
		CountByRiskLevel: byRisk,
		CountByStatus:    byStatus,
	}, nil
}
