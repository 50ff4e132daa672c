package alerting

import "context"

// FilteredAlerter forwards only alerts whose "event" field passes allow. Alerts without an event field are
// always forwarded.
type FilteredAlerter struct {
	next  Alerter
	allow func(event string) bool
}

// NewFilteredAlerter wraps next with an event filter.
func NewFilteredAlerter(next Alerter, allow func(event string) bool) *FilteredAlerter {
	return &FilteredAlerter{next: next, allow: allow}
}

// Name returns the name of the wrapped alerter.
func (f *FilteredAlerter) Name() string {
	return "filtered_" + f.next.Name()
}

// Alert forwards the alert unless its event is filtered out.
func (f *FilteredAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if key, ok := fields[i].(string); ok && key == "event" {
			if event, ok := fields[i+1].(string); ok && !f.allow(event) {
				return nil
			}
			break
		}
	}
	return f.next.Alert(ctx, severity, message, fields...)
}
