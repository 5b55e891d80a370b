package snapshot

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerv-lab/tachikoma/internal/events"
)

// Pruner runs Store.Prune on a cron schedule.
type Pruner struct {
	store  *Store
	maxAge time.Duration
	log    *slog.Logger
	bus    *events.Bus
	cron   *cron.Cron
}

// NewPruner schedules pruning. schedule is a standard 5-field cron
// expression; retentionDays bounds snapshot age.
func NewPruner(store *Store, schedule string, retentionDays int, log *slog.Logger, bus *events.Bus) (*Pruner, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pruner{
		store:  store,
		maxAge: time.Duration(retentionDays) * 24 * time.Hour,
		log:    log,
		bus:    bus,
		cron:   cron.New(),
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, err
	}
	return p, nil
}

// Start begins the schedule. Call Stop to drain.
func (p *Pruner) Start() { p.cron.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Pruner) run() {
	removed, err := p.store.Prune(p.maxAge)
	if err != nil {
		p.log.Error("snapshot prune failed", "error", err)
		return
	}
	if removed > 0 {
		p.log.Info("pruned snapshots", "removed", removed, "max_age", p.maxAge)
		if p.bus != nil {
			p.bus.Publish(events.Event{
				Type:    events.SnapshotPruned,
				Summary: "snapshot retention applied",
				Detail:  map[string]any{"removed": removed},
			})
		}
	}
}
