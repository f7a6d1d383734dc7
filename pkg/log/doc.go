/*
Package log provides structured logging for oltmon built on zerolog.

Call Init once at process start, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Int("ready", n).Msg("tick complete")

Child-logger helpers exist for the identifiers that recur across the
polling core: OLT IDs, workflow node IDs, and execution IDs.
*/
package log
