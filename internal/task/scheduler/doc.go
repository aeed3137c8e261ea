// Package scheduler turns configured windows into job triggers.
//
// The scheduler only computes trigger times and enqueues tasks into the
// engine; it never runs jobs itself. A window is either "HH:MM" (daily, in
// the scheduler timezone) or a cron expression.
package scheduler
