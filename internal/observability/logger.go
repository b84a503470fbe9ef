package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithRun adds a run_id context to the logger, identifying one archive
// create/extract/fsck invocation across all of its log lines.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("run_id", runID).Logger(),
	}
}

// WithArchive adds archive name context to the logger.
func (l *Logger) WithArchive(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("archive", name).Logger(),
	}
}

// WithConn adds connection context to the logger.
func (l *Logger) WithConn(connID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("conn_id", connID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ArchiveCreateStarted logs the start of a create operation (spec.md
// §4.10's per-entry tar walk).
func (l *Logger) ArchiveCreateStarted(archive string) {
	l.logger.Info().
		Str("archive", archive).
		Msg("archive create started")
}

// EntryStored logs one tar entry having been chunkified and stored.
func (l *Logger) EntryStored(path string, size int64, chunks, deduped int) {
	l.logger.Debug().
		Str("path", path).
		Int64("size", size).
		Int("chunks", chunks).
		Int("deduped", deduped).
		Msg("entry stored")
}

// ArchiveCreateCompleted logs create completion.
func (l *Logger) ArchiveCreateCompleted(archive string, entries int, bytesStored int64, duration time.Duration) {
	l.logger.Info().
		Str("archive", archive).
		Int("entries", entries).
		Int64("bytes_stored", bytesStored).
		Float64("duration_seconds", duration.Seconds()).
		Msg("archive create completed")
}

// ChunkDeduplicated logs a chunk whose refcount was incremented instead
// of being written to the chunk directory again (spec.md §8 S6).
func (l *Logger) ChunkDeduplicated(hashPrefix string, refcount uint32) {
	l.logger.Debug().
		Str("chunk_hash_prefix", hashPrefix).
		Uint32("refcount", refcount).
		Msg("chunk deduplicated")
}

// PacketRetried logs a netpacket operation being retried after a
// transport failure (spec.md §5's reconnect/backoff behavior).
func (l *Logger) PacketRetried(opType string, attempt int, backoff time.Duration) {
	l.logger.Warn().
		Str("packet_type", opType).
		Int("attempt", attempt).
		Float64("backoff_seconds", backoff.Seconds()).
		Msg("netpacket operation retried")
}

// FsckProgress logs fsck directory-walk progress.
func (l *Logger) FsckProgress(archivesWalked, totalArchives int) {
	l.logger.Info().
		Int("archives_walked", archivesWalked).
		Int("total_archives", totalArchives).
		Msg("fsck progress")
}

// TransactionCommitted logs a storage transaction reaching COMMITTED
// state (spec.md §7's transaction state machine).
func (l *Logger) TransactionCommitted(txType string, seq uint64) {
	l.logger.Info().
		Str("transaction_type", txType).
		Uint64("sequence", seq).
		Msg("storage transaction committed")
}

// ConnEstablished logs a netproto handshake succeeding.
func (l *Logger) ConnEstablished(remoteAddr string, connID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("conn_id", connID).
		Msg("connection established")
}

// ConnFailed logs a netproto handshake or transport failure.
func (l *Logger) ConnFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
