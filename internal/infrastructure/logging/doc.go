// Package logging configures the log/slog logger shared by walpool.
//
// Entries carry service=walpool and the build version; components add
// component=<name> through Component. The logging section selects the
// level, json or text format, and stdout or stderr:
//
//	logging:
//	  level: info
//	  format: json
//	  output: stdout
//
// SQLTrace adapts a Logger into the pool's statement hook:
//
//	opts.StatementTrace = logger.SQLTrace()
package logging
