package pagerduty

import (
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nonce-validator/internal/codec"
)

// Action is the event_action of an Events API v2 event.
type Action string

const (
	ActionTrigger     Action = "trigger"
	ActionAcknowledge Action = "acknowledge"
	ActionResolve     Action = "resolve"
)

// Severity is the payload severity of a trigger event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is accepted by the Events API.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// maxSummaryLen is the Events API limit on payload.summary.
const maxSummaryLen = 1024

// Payload describes a trigger event.
type Payload struct {
	Summary   string
	Source    string
	Severity  Severity
	Timestamp time.Time
	Component string
	Group     string
	Class     string
	// CustomDetails is sent verbatim as payload.custom_details.
	CustomDetails codec.Value
}

// Event is a single Events API v2 request.
type Event struct {
	RoutingKey string
	Action     Action
	DedupKey   string
	Payload    *Payload
}

// Value builds the request body for e.
func (e Event) Value() (*codec.Table, error) {
	if e.RoutingKey == "" {
		return nil, eris.New("pagerduty: routing key is required")
	}
	body := codec.NewTable().
		Set("routing_key", codec.String(e.RoutingKey)).
		Set("event_action", codec.String(string(e.Action)))

	switch e.Action {
	case ActionTrigger:
		if e.Payload == nil {
			return nil, eris.New("pagerduty: trigger event requires a payload")
		}
	case ActionAcknowledge, ActionResolve:
		if e.DedupKey == "" {
			return nil, eris.Errorf("pagerduty: %s event requires a dedup key", e.Action)
		}
	default:
		return nil, eris.Errorf("pagerduty: unknown event action %q", e.Action)
	}

	if e.DedupKey != "" {
		body.Set("dedup_key", codec.String(e.DedupKey))
	}
	if e.Action == ActionTrigger {
		p, err := e.Payload.value()
		if err != nil {
			return nil, err
		}
		body.Set("payload", p)
	}
	return body, nil
}

func (p *Payload) value() (*codec.Table, error) {
	if p.Summary == "" || p.Source == "" {
		return nil, eris.New("pagerduty: payload summary and source are required")
	}
	if !p.Severity.Valid() {
		return nil, eris.Errorf("pagerduty: invalid severity %q", p.Severity)
	}
	summary := truncate(p.Summary, maxSummaryLen)
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	t := codec.NewTable().
		Set("summary", codec.String(summary)).
		Set("source", codec.String(p.Source)).
		Set("severity", codec.String(string(p.Severity))).
		Set("timestamp", codec.String(ts.UTC().Format(time.RFC3339)))
	if p.Component != "" {
		t.Set("component", codec.String(p.Component))
	}
	if p.Group != "" {
		t.Set("group", codec.String(p.Group))
	}
	if p.Class != "" {
		t.Set("class", codec.String(p.Class))
	}
	if p.CustomDetails != nil {
		t.Set("custom_details", p.CustomDetails)
	}
	return t, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
