// Package cron schedules TaskHub's recurring cron jobs: it polls the
// store for jobs whose next_run_at has arrived, creates a QUEUED Run for
// each, and advances next_run_at from the current time rather than the
// stale schedule, so a long outage produces exactly one catch-up Run per
// job instead of a backlog.
package cron

import "time"

// CheckInterval is how often the scheduler polls for due jobs, matching
// the original scheduler's 10-second poll cadence.
const CheckInterval = 10 * time.Second
