package metrics

import (
	"context"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/reclaimer"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type SchedulerState interface {
	IsRunning() bool
	LastCycle() *reclaimer.CycleStats
}

type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthReport struct {
	Status    string           `json:"status"`
	CheckedAt time.Time        `json:"checked_at"`
	Store     ComponentHealth  `json:"store"`
	Database  *ComponentHealth `json:"database,omitempty"`
	Scheduler SchedulerHealth  `json:"scheduler"`
}

type SchedulerHealth struct {
	Running   bool                  `json:"running"`
	LastCycle *reclaimer.CycleStats `json:"last_cycle,omitempty"`
}

// HealthChecker reports on the dependencies admission control relies on.
// A store outage makes the report "degraded", not "down": the engine keeps
// serving according to its failure policy.
type HealthChecker struct {
	store     Pinger
	database  Pinger
	scheduler SchedulerState
}

func NewHealthChecker(store, database Pinger, scheduler SchedulerState) *HealthChecker {
	return &HealthChecker{store: store, database: database, scheduler: scheduler}
}

func check(ctx context.Context, p Pinger) ComponentHealth {
	if err := p.Ping(ctx); err != nil {
		return ComponentHealth{Error: err.Error()}
	}
	return ComponentHealth{Healthy: true}
}

func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    "healthy",
		CheckedAt: time.Now().UTC(),
		Store:     check(ctx, h.store),
	}

	if h.database != nil {
		db := check(ctx, h.database)
		report.Database = &db
		if !db.Healthy {
			report.Status = "degraded"
		}
	}

	if h.scheduler != nil {
		report.Scheduler = SchedulerHealth{
			Running:   h.scheduler.IsRunning(),
			LastCycle: h.scheduler.LastCycle(),
		}
	}

	if !report.Store.Healthy {
		report.Status = "degraded"
	}

	return report
}
