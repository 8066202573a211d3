/*
Package log provides structured logging for the replica host using zerolog.

It wraps zerolog with a single package-level Logger, JSON or console
output, and helper constructors for context loggers scoped to a
replica, a transaction tracker id, or an LSN — the three identifiers
that show up in nearly every log line emitted by pkg/engine,
pkg/replicatedstore, pkg/secondarypump, and pkg/copymanager.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("replica opened")

	replicaLog := log.WithReplica("P_1", "R_2")
	replicaLog.Info().Msg("role changed to primary")

	txLog := log.WithTrackerID(trackerID)
	txLog.Debug().Int64("lsn", lsn).Msg("transaction committed")

# Notes

Never log secret-store plaintext or blob-store connection strings;
pkg/migration does not log at all.
*/
package log
