// Package alerting delivers operator notifications raised by the strategy engine.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "WARNING", "HIGH", "CRITICAL"}

// String returns the string representation of the severity.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter sends alerts. fields are alternating key/value pairs, as with slog.
type Alerter interface {
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key without a value is dropped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Event names a class of engine alert.
type Event string

const (
	EventEngineStarted      Event = "engine_started"
	EventEngineStopped      Event = "engine_stopped"
	EventHandlerFault       Event = "handler_fault"
	EventSafeModeEntered    Event = "safe_mode_entered"
	EventSafeModeExited     Event = "safe_mode_exited"
	EventOrderRejected      Event = "order_rejected"
	EventOrderRateExceeded  Event = "order_rate_exceeded"
	EventVenueDisconnected  Event = "venue_disconnected"
	EventVenueReconnected   Event = "venue_reconnected"
	EventFeedDisconnected   Event = "feed_disconnected"
	EventQueueFull          Event = "queue_full"
	EventManualIntervention Event = "manual_intervention"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventSafeModeEntered:
		return SeverityCritical
	case EventHandlerFault, EventVenueDisconnected, EventQueueFull, EventManualIntervention:
		return SeverityHigh
	case EventOrderRejected, EventOrderRateExceeded, EventFeedDisconnected, EventSafeModeExited:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Raise sends an event alert at its default severity with the event name as the first field.
func Raise(ctx context.Context, a Alerter, event Event, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	all := append([]any{"event", string(event)}, fields...)
	return a.Alert(ctx, EventSeverity(event), message, all...)
}
