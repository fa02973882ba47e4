// Package schedule repeats speed-test runs on a cron expression or a fixed
// interval. Overlapping runs are skipped, never queued.
package schedule
