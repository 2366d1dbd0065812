package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type AlertType string

const (
	AlertPanicMovement          AlertType = "panic_movement"
	AlertPotentialStampede      AlertType = "potential_stampede"
	AlertCriticalDensity        AlertType = "critical_density"
	AlertSuddenDispersal        AlertType = "sudden_dispersal"
	AlertCrowdSurge             AlertType = "crowd_surge"
	AlertCrowdThresholdExceeded AlertType = "crowd_threshold_exceeded"
	AlertOther                  AlertType = "other"
)

// ParseAlertType maps a wire value onto a known type; anything unrecognised is AlertOther.
func ParseAlertType(s string) AlertType {
	t := AlertType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case AlertPanicMovement, AlertPotentialStampede, AlertCriticalDensity, AlertSuddenDispersal,
		AlertCrowdSurge, AlertCrowdThresholdExceeded:
		return t
	}
	return AlertOther
}

// IsStampedeClass reports whether the type indicates acute crowd danger. These alerts
// drive the stampede flag and are kept out of the generic active-alert tally.
func (t AlertType) IsStampedeClass() bool {
	switch t {
	case AlertPanicMovement, AlertPotentialStampede, AlertCriticalDensity, AlertSuddenDispersal:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) Severity {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return v
	}
	return SeverityLow
}

type RiskTier int

const (
	RiskSafe RiskTier = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskSafe:
		return "SAFE"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (r RiskTier) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskTier) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "SAFE":
		*r = RiskSafe
	case "MEDIUM":
		*r = RiskMedium
	case "HIGH":
		*r = RiskHigh
	case "CRITICAL":
		*r = RiskCritical
	default:
		return fmt.Errorf("unknown risk tier %q", text)
	}
	return nil
}

type CrowdSample struct {
	Count      int       `json:"count"`
	Velocity   float64   `json:"velocity"`
	ObservedAt time.Time `json:"observed_at"`
}

// AlertEvent is immutable once built by the normalizer.
type AlertEvent struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id,omitempty"`
	Type       AlertType `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message,omitempty"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"`
}

// IdentityKey identifies the same backend alert across push and pull deliveries.
// Local IDs differ per delivery, so they are never part of the key.
func (a AlertEvent) IdentityKey() string {
	if a.SourceID != "" {
		return "id|" + a.SourceID
	}
	return string(a.Type) + "|" +
		a.OccurredAt.UTC().Truncate(time.Second).Format(time.RFC3339) + "|" +
		strconv.Itoa(a.Count)
}

type EventKind string

const (
	KindSample       EventKind = "sample"
	KindAlert        EventKind = "alert"
	KindStampede     EventKind = "stampede"
	KindAlertHistory EventKind = "alert_history"
	KindCountHistory EventKind = "count_history"
	KindConnection   EventKind = "connection"
)

// Event is the single normalized shape every inbound channel is reduced to.
type Event struct {
	Kind      EventKind
	Source    string
	Sample    CrowdSample
	Alert     AlertEvent
	Alerts    []AlertEvent
	Samples   []CrowdSample
	Connected bool
	At        time.Time
}

type View struct {
	Count            int          `json:"count"`
	DisplayCount     int          `json:"display_count"`
	Velocity         float64      `json:"velocity"`
	Density          float64      `json:"density"`
	Risk             RiskTier     `json:"risk"`
	Threshold        float64      `json:"threshold"`
	Stampede         bool         `json:"stampede"`
	StampedeSince    *time.Time   `json:"stampede_since,omitempty"`
	ActiveAlertCount int          `json:"active_alert_count"`
	RecentAlerts     []AlertEvent `json:"recent_alerts"`
	StampedeAlerts   []AlertEvent `json:"stampede_alerts"`
	Connected        bool         `json:"connected"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
