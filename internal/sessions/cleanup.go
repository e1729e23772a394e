package sessions

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// CleanupConfig configures the background maintenance job.
type CleanupConfig struct {
	// IdleTTL soft-deletes sessions whose last activity is older than this.
	IdleTTL time.Duration

	// PurgeAfter permanently removes sessions soft-deleted longer ago.
	PurgeAfter time.Duration

	// ApprovalTTL reclaims pending approvals older than this.
	ApprovalTTL time.Duration

	// Schedule is the cron spec; defaults to hourly.
	Schedule string
}

// Cleanup runs the hourly maintenance sweep: idle-session soft deletion,
// purge of old soft-deleted rows, pending-approval reclaim, and lock
// cache eviction.
type Cleanup struct {
	store  store.Store
	locks  *LockManager
	bus    *events.Bus
	logger *observability.Logger
	config CleanupConfig
	cron   *cron.Cron
}

// NewCleanup creates the maintenance job; Start schedules it.
func NewCleanup(st store.Store, locks *LockManager, bus *events.Bus, logger *observability.Logger, config CleanupConfig) *Cleanup {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 24 * time.Hour
	}
	if config.PurgeAfter <= 0 {
		config.PurgeAfter = 30 * 24 * time.Hour
	}
	if config.ApprovalTTL <= 0 {
		config.ApprovalTTL = 24 * time.Hour
	}
	if config.Schedule == "" {
		config.Schedule = "@hourly"
	}
	return &Cleanup{
		store:  st,
		locks:  locks,
		bus:    bus,
		logger: logger,
		config: config,
		cron:   cron.New(),
	}
}

// Start registers the sweep on its schedule and starts the cron runner.
func (c *Cleanup) Start() error {
	if _, err := c.cron.AddFunc(c.config.Schedule, func() {
		c.Run(context.Background())
	}); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (c *Cleanup) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Run executes one full sweep immediately.
func (c *Cleanup) Run(ctx context.Context) {
	now := time.Now().UTC()

	swept, err := c.store.SweepIdle(ctx, now.Add(-c.config.IdleTTL))
	if err != nil {
		c.logger.Error(ctx, "idle session sweep failed", "error", err)
	} else if len(swept) > 0 {
		c.logger.Info(ctx, "idle sessions soft-deleted", "count", len(swept))
		for _, id := range swept {
			c.locks.Evict(id)
		}
	}

	purged, err := c.store.Purge(ctx, now.Add(-c.config.PurgeAfter))
	if err != nil {
		c.logger.Error(ctx, "session purge failed", "error", err)
	} else if purged > 0 {
		c.logger.Info(ctx, "soft-deleted sessions purged", "count", purged)
	}

	expired, err := c.store.SweepApprovals(ctx, now.Add(-c.config.ApprovalTTL))
	if err != nil {
		c.logger.Error(ctx, "approval sweep failed", "error", err)
		return
	}
	for _, approval := range expired {
		c.bus.Publish(&models.Event{
			Type:      models.EventHITLDecided,
			SessionID: approval.SessionID,
			HITL: &models.HITLEventPayload{
				CallID:   approval.CallID,
				ToolName: approval.ToolName,
				Decision: models.DecisionReject,
				Feedback: "expired",
			},
		})
	}
	if len(expired) > 0 {
		c.logger.Info(ctx, "stale approvals reclaimed", "count", len(expired))
	}
}
