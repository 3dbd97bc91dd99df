// Package schedule submits batches from manifests on cron expressions.
package schedule
