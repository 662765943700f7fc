// Package health evaluates fabric liveness from outbox and inbox queue
// statistics.
package health

import (
	"fmt"
	"time"

	"github.com/regmesh/regmesh/internal/domain/inboxstore"
	"github.com/regmesh/regmesh/internal/domain/outboxstore"
)

// Thresholds bound how stale the fabric's queues may grow before the module
// reports unhealthy.
type Thresholds struct {
	// MaxPendingAge is the delivery SLA for the oldest PENDING outbox row.
	MaxPendingAge time.Duration
	// MaxFailedAge tolerates terminal FAILED rows younger than the window;
	// older ones need operator attention.
	MaxFailedAge time.Duration
	// MaxInboxPendingAge bounds the oldest undelivered inbox row.
	MaxInboxPendingAge time.Duration
}

func (t Thresholds) normalize() Thresholds {
	if t.MaxPendingAge <= 0 {
		t.MaxPendingAge = 5 * time.Minute
	}
	if t.MaxFailedAge <= 0 {
		t.MaxFailedAge = time.Minute
	}
	if t.MaxInboxPendingAge <= 0 {
		t.MaxInboxPendingAge = 15 * time.Minute
	}
	return t
}

// Status is the module's fabric health verdict.
type Status struct {
	Healthy bool     `json:"healthy"`
	Reasons []string `json:"reasons,omitempty"`
}

// Evaluate applies the thresholds to queue statistics. The module is
// unhealthy when terminal failures linger past their window or pending
// backlogs age past the SLA.
func Evaluate(outbox outboxstore.Stats, inbox inboxstore.Stats, thresholds Thresholds) Status {
	thresholds = thresholds.normalize()

	var reasons []string
	if outbox.Failed > 0 && outbox.OldestFailedAge > thresholds.MaxFailedAge {
		reasons = append(reasons, fmt.Sprintf(
			"outbox has %d terminal FAILED rows, oldest %s", outbox.Failed, outbox.OldestFailedAge.Round(time.Second)))
	}
	if outbox.Pending > 0 && outbox.OldestPendingAge > thresholds.MaxPendingAge {
		reasons = append(reasons, fmt.Sprintf(
			"outbox oldest PENDING row aged %s exceeds SLA %s",
			outbox.OldestPendingAge.Round(time.Second), thresholds.MaxPendingAge))
	}
	if inbox.Pending > 0 && inbox.OldestPendingAge > thresholds.MaxInboxPendingAge {
		reasons = append(reasons, fmt.Sprintf(
			"inbox oldest PENDING row aged %s exceeds SLA %s",
			inbox.OldestPendingAge.Round(time.Second), thresholds.MaxInboxPendingAge))
	}
	return Status{Healthy: len(reasons) == 0, Reasons: reasons}
}
