// Package jobrun records one append-only audit row per step invocation, so
// operators can see when each externally scheduled step last ran and how it
// ended.
package jobrun

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"autotrader/pkg/db"
)

// Run executes fn under a job_runs audit row. The row is opened as RUNNING
// before fn and closed with OK or FAILED after, carrying the error message.
// Audit bookkeeping failures are logged, never fatal: the step's own outcome
// is what matters.
func Run(ctx context.Context, queries *db.Queries, jobName string, fn func(ctx context.Context) error) error {
	id := uuid.NewString()
	started := time.Now()

	if err := queries.StartJobRun(ctx, id, jobName, started); err != nil {
		log.Printf("[jobrun] start audit row for %s: %v", jobName, err)
	}

	runErr := fn(ctx)

	status, message := db.JobOK, ""
	if runErr != nil {
		status, message = db.JobFailed, runErr.Error()
	}
	// The closing write must land even when the step died to a cancelled
	// context, or the row strands in RUNNING.
	if err := queries.FinishJobRun(context.WithoutCancel(ctx), id, status, message, time.Now()); err != nil {
		log.Printf("[jobrun] finish audit row for %s: %v", jobName, err)
	}
	log.Printf("[jobrun] %s finished in %s: %s", jobName, time.Since(started).Round(time.Millisecond), status)

	return runErr
}
