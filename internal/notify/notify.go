// Package notify carries transient user-facing notifications, the role
// toasts play in the original front end. The notifier is injected
// explicitly rather than looked up ambiently.
package notify

import "log/slog"

// Notifier surfaces transient notices to the user. Errors reported here
// are in addition to, not instead of, being recorded on the originating
// message.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// Log is a Notifier that writes to slog, the default for headless use.
type Log struct{}

func (Log) Info(msg string)    { slog.Info(msg) }
func (Log) Success(msg string) { slog.Info(msg) }
func (Log) Error(msg string)   { slog.Warn(msg) }
