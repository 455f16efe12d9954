/*
Package log provides structured logging for the orchestrator using zerolog.

A package-level Logger is configured once at startup with Init and shared
by every component:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Components derive child loggers that tag every line:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("uci_id", id).Msg("UCI state corrected")

	log.WithUCIID(logger, id).Error().Err(err).Msg("UCI failed")
	log.WithWorkerID(logger, 3).Debug().Msg("Worker started")

Console output (JSONOutput false) is meant for development; production
deployments should log JSON.

# Conventions

Messages start with a capital letter and carry no trailing punctuation.
Identifiers go into fields (uci_id, volume_id, instance, snapshot), never into
the message. Handlers log each UCI transition at info and each contained
failure at error with Err(err); the reconciler logs corrections at info and
transient backend errors at warn.
*/
package log
