// Package logx wraps zerolog behind a small structured logging API.
//
// The Service owns the active sinks (console, file, Telegram) and can be
// re-applied at runtime; Loggers handed out by the Service stay live
// across Apply() calls.
package logx
