// Package cron runs scheduled jobs.
//
// A [Runner] owns one [taskhost.ScheduledJobDescriptor]. On every tick of
// the job's cron expression it:
//
//  1. acquires the job's lock when the job is a singleton, skipping the
//     firing if another holder has it (no catch-up);
//  2. keeps the lock alive while the handler runs;
//  3. loads the job's persisted state, runs the handler through the
//     middleware chain and saves the returned state;
//  4. releases the lock, whatever the outcome.
//
// A handler error or panic leaves the previously saved state untouched.
// If the lock is lost mid-run the handler context is cancelled with cause
// taskhost.ErrLeaseLost and the returned state is discarded.
//
// Cron expressions accept five fields, six fields with leading seconds, or
// descriptors such as "@hourly" and "@every 30s". Firing is driven by the
// host's timer engine.
package cron
