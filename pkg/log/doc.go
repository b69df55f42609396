/*
Package log provides structured logging for BuildNet using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers and configurable log levels. Console
output with colors is available for interactive use; production deployments
log JSON.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("build_id", id).Msg("Build started")

Init is safe to call once at process start. WithComponent returns a child
logger carrying the component field on every line; identifier fields
(build_id, session_id, resource_id) are attached per call site with
zerolog's With.
*/
package log
