package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crowdguard/internal/model"
)

var (
	ErrMissingCount    = errors.New("missing count")
	ErrInvalidCount    = errors.New("invalid count")
	ErrInvalidVelocity = errors.New("invalid velocity")
	ErrMissingType     = errors.New("missing alert type")
)

// Fields is the transport-independent, stringly-typed view of one inbound payload.
type Fields struct {
	ID        string
	Type      string
	Severity  string
	Message   string
	Count     string
	Velocity  string
	Timestamp string
	Extras    map[string]string
	Raw       string
}

type Normalizer struct {
	loc   *time.Location
	now   func() time.Time
	newID func() string
}

func NewNormalizer(timezone string) *Normalizer {
	loc := time.Local
	if timezone != "" && !strings.EqualFold(timezone, "local") {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return &Normalizer{loc: loc, now: time.Now, newID: NewAlertID}
}

// Location is the zone used to read time-only and naive backend timestamps.
func (n *Normalizer) Location() *time.Location { return n.loc }

// NewAlertID returns a time-ordered id that stays unique for alerts received in the same
// instant.
func NewAlertID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (n *Normalizer) Sample(f Fields) (model.CrowdSample, error) {
	count, err := parseCount(f.Count)
	if err != nil {
		return model.CrowdSample{}, err
	}
	velocity := 0.0
	if v := strings.TrimSpace(f.Velocity); v != "" {
		velocity, err = strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(velocity) || math.IsInf(velocity, 0) || velocity < 0 {
			return model.CrowdSample{}, fmt.Errorf("%w: %q", ErrInvalidVelocity, f.Velocity)
		}
	}
	now := n.now()
	observed := now
	if f.Timestamp != "" {
		if ts, err := ParseTimestamp(f.Timestamp, n.loc, now); err == nil {
			observed = ts
		}
	}
	return model.CrowdSample{Count: count, Velocity: velocity, ObservedAt: observed.UTC()}, nil
}

// Alert stamps a local id and receipt time. The source timestamp wins for OccurredAt when
// it parses; otherwise the receipt time is used.
func (n *Normalizer) Alert(f Fields, source string) (model.AlertEvent, error) {
	typ := strings.TrimSpace(f.Type)
	if typ == "" {
		return model.AlertEvent{}, ErrMissingType
	}
	count := 0
	if strings.TrimSpace(f.Count) != "" {
		c, err := parseCount(f.Count)
		if err != nil {
			return model.AlertEvent{}, err
		}
		count = c
	}
	now := n.now()
	occurred := now
	if f.Timestamp != "" {
		if ts, err := ParseTimestamp(f.Timestamp, n.loc, now); err == nil {
			occurred = ts
		}
	}
	return model.AlertEvent{
		ID:         n.newID(),
		SourceID:   strings.TrimSpace(f.ID),
		Type:       model.ParseAlertType(typ),
		Severity:   model.ParseSeverity(f.Severity),
		Message:    strings.TrimSpace(f.Message),
		Count:      count,
		OccurredAt: occurred.UTC(),
		ReceivedAt: now.UTC(),
		Source:     source,
	}, nil
}

func parseCount(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, ErrMissingCount
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCount, value)
	}
	if f < 0 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidCount, value)
	}
	return int(math.Round(f)), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"15:04:05",
}

// ParseTimestamp accepts RFC3339 and common SQL layouts, unix seconds or milliseconds, and
// bare time-of-day values. A time-of-day is placed on now's date in loc, or on the day
// before when that would land more than a minute in the future.
func ParseTimestamp(value string, loc *time.Location, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "15:04:05" {
			t, err := time.ParseInLocation(layout, value, loc)
			if err != nil {
				continue
			}
			ref := now.In(loc)
			ts := time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
			if ts.Sub(ref) > time.Minute {
				ts = ts.AddDate(0, 0, -1)
			}
			return ts, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
