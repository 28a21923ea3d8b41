package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/translation-orchestrator/internal/queue"
	"github.com/MimeLyc/translation-orchestrator/pkg/icron"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

type sweeper interface {
	Sweep(ctx context.Context) (queue.SweepResult, error)
}

type cronAdder interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
}

// maintenance sweeps the queue on a cron schedule. Overlapping triggers
// share one sweep.
type maintenance struct {
	queue    sweeper
	cron     cronAdder
	cronExpr string
	group    singleflight.Group
	now      func() time.Time
}

func newMaintenance(q sweeper, c cronAdder, cronExpr string) *maintenance {
	return &maintenance{
		queue:    q,
		cron:     c,
		cronExpr: cronExpr,
		now:      time.Now,
	}
}

func (m *maintenance) Schedule(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.cronExpr, func() {
		if _, err := m.RunOnce(ctx); err != nil {
			log.Error("Queue maintenance failed: %v", err)
		}
		m.logNext()
	}); err != nil {
		return err
	}
	m.logNext()
	return nil
}

// RunOnce sweeps now, or joins the sweep already in progress.
func (m *maintenance) RunOnce(ctx context.Context) (queue.SweepResult, error) {
	ret, err, _ := m.group.Do("sweep", func() (any, error) {
		return m.queue.Sweep(ctx)
	})
	result, _ := ret.(queue.SweepResult)
	return result, err
}

func (m *maintenance) logNext() {
	info, err := icron.GetTriggerInfo(m.cronExpr, m.now())
	if err != nil {
		log.Warn("Failed to read maintenance schedule %q: %v", m.cronExpr, err)
		return
	}
	log.Info("Next queue maintenance at %s (in %s)", info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
}
