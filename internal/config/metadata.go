package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMetadata is the hyperparameter snapshot written next to checkpoints:
// the run configuration plus fields derived at save time.
type RunMetadata struct {
	RunConfig `yaml:",inline"`

	Duration string `yaml:"duration"`
	Date     string `yaml:"date"`
	RunID    string `yaml:"run_id"`
}

// NewRunID returns a random identifier for one invocation.
func NewRunID() string {
	return uuid.NewString()
}

// Metadata derives the snapshot for a run that has been going for elapsed.
// The receiver is not modified.
func (c RunConfig) Metadata(runID string, elapsed time.Duration, now time.Time) RunMetadata {
	return RunMetadata{
		RunConfig: c,
		Duration:  FormatDuration(elapsed),
		Date:      now.Format(TimestampLayout),
		RunID:     runID,
	}
}

// FormatDuration renders whole seconds as H:MM:SS, prefixed with the day
// count when longer than a day ("1 day, 2:00:00", "3 days, 0:00:05").
func FormatDuration(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec < 0 {
		sec = 0
	}
	days := sec / 86400
	sec %= 86400
	clock := fmt.Sprintf("%d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
