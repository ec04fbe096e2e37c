package scheduler

import "errors"

// ErrNotFound is returned when a schedule id is unknown.
var ErrNotFound = errors.New("scheduler: schedule not found")

// ErrInvalidCron is returned when a schedule's cron expression cannot be
// parsed.
var ErrInvalidCron = errors.New("scheduler: invalid cron expression")
