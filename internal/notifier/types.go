package notifier

import (
	"time"

	kit "postbot/internal/transport"
)

type Config struct {
	Enabled bool
	// Target is the operator chat every alert goes to.
	Target kit.ChatTarget

	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Severity ranks an alert and picks its text prefix.
type Severity int

const (
	SeverityWarn Severity = iota + 1
	SeverityCritical
)

func (s Severity) String() string {
	if s >= SeverityCritical {
		return "CRITICAL"
	}
	return "WARN"
}

// Alert is one operator message raised by a pipeline event.
type Alert struct {
	// Kind is the event type that raised the alert.
	Kind string
	// Subject is the queue entry, account or job the alert is about.
	Subject  string
	Severity Severity
	Text     string
}

func (a Alert) message() string { return "[" + a.Severity.String() + "] " + a.Text }

// HistoryItem is a delivered alert.
type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Text    string    `json:"text"`
}
