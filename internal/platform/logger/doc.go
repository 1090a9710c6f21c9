// Package logger sets up the application's structured JSON logging on
// log/slog and carries request or task scoped loggers through a context.
package logger
