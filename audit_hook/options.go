package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions restricts the extension to the listed actions. By default
// every action is enabled. Unknown actions are ignored.
//
// Example:
//
//	audithook.New(emitter,
//	    audithook.WithActions(
//	        audithook.ActionItemFailed,
//	        audithook.ActionJobFailed,
//	        audithook.ActionLeaseLost,
//	    ),
//	)
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithMinSeverity drops events below severity. Info < warning < critical;
// an unknown severity leaves every event enabled. Use it to keep
// per-item info events (enqueued, started, completed) out of the trail.
func WithMinSeverity(severity string) Option {
	return func(e *Extension) { e.minRank = severityRank(severity) }
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}
