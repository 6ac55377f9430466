/*
Package log provides structured logging for Roost using zerolog.

A process-wide logger is usable immediately (stderr, info level) and is
replaced by Init with the configured level, format, and destination:

	log.Init(log.Config{
		Level:      "debug",
		JSONOutput: true,
		Output:     os.Stdout,
	})

Runtime components log through tagged child loggers:

	reactorLog := log.WithComponent("reactor")
	reactorLog.Debug().Int("fd", fd).Msg("armed read event")

	streamLog := log.WithStreamID(id)
	streamLog.Warn().Err(err).Msg("reconnecting")

The runtime's fatal path (contract violations such as double-arming an fd
direction or resuming a finished task) logs through this package and
aborts the process; there is no partial-restart mode for the runtime
itself.
*/
package log
