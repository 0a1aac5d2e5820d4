package admission

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ViolationEvent describes a subject crossing the violation threshold.
type ViolationEvent struct {
	Subject    string
	Kind       Kind
	Violations int
	BlockedFor time.Duration
	Degraded   bool
}

// Notifier receives violation events on a side channel. Delivery is
// fire-and-forget: the decision path never waits on it, so implementations
// should be quick but may not assume ordering.
type Notifier interface {
	NotifyViolation(ev ViolationEvent)
}

// LogNotifier is the default Notifier; it writes violation events to the
// structured log.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n *LogNotifier) NotifyViolation(ev ViolationEvent) {
	log := n.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"subject":     ev.Subject,
		"kind":        ev.Kind,
		"violations":  ev.Violations,
		"blocked_for": ev.BlockedFor,
		"degraded":    ev.Degraded,
	}).Warn("violation threshold crossed, subject blocked")
}
