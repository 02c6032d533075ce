package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reconciler retries pinned payouts.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ReconcileJob runs a Reconciler on a cron schedule. Overlapping runs are
// skipped.
type ReconcileJob struct {
	cron *cron.Cron
	rec  Reconciler
	ctx  context.Context // set by Run before the schedule starts
}

// NewReconcileJob parses spec and registers the job. Specs take a leading
// seconds field; descriptors such as "@every 30s" work too.
func NewReconcileJob(spec string, rec Reconciler) (*ReconcileJob, error) {
	j := &ReconcileJob{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		rec: rec,
		ctx: context.Background(),
	}
	if _, err := j.cron.AddFunc(spec, func() { j.runOnce(j.ctx) }); err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	return j, nil
}

func (j *ReconcileJob) runOnce(ctx context.Context) {
	n, err := j.rec.Reconcile(ctx)
	if err != nil {
		slog.Warn("reconciliation incomplete", "settled", n, "err", err)
		return
	}
	if n > 0 {
		slog.Info("reconciliation settled positions", "settled", n)
	}
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to finish.
func (j *ReconcileJob) Run(ctx context.Context) error {
	j.ctx = ctx
	slog.Info("reconcile job started")
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	slog.Info("reconcile job stopped")
	return nil
}
