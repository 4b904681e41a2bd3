// Package logx wraps zerolog for guardbot.
//
// A Service owns the sinks (console, JSON file, rate-limited alerts to an
// Alerter) and can be reconfigured at runtime; Loggers derived from it pick
// up the new sinks without being rebuilt. The zero Logger discards.
package logx
