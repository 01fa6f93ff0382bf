package rhizome

import (
	"log/slog"

	"github.com/joeycumines/logiface"
	islog "github.com/joeycumines/logiface-slog"
)

// logger is the structured-logging type threaded through the engine,
// dispatcher, and slots: a logiface.Logger specialised for the logiface-slog
// binding, so callers can pass any slog.Handler (JSON, text, or a
// third-party backend) and get a fluent, leveled builder API, e.g.:
//
//	log.Info().Str("manifest_id", m.IDHex()).Log("queued")
type logger = *logiface.Logger[*islog.Event]

// NewLogger wraps a slog.Handler as the engine's structured logger. A nil
// handler yields a logger at a disabled level, so the engine never requires
// a logger in order to run.
func NewLogger(handler slog.Handler) logger {
	if handler == nil {
		handler = slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})
	}
	return islog.L.New(islog.L.WithSlogHandler(handler))
}

// discardWriter implements io.Writer, discarding everything written to it.
// Used as the sink for the disabled default logger.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
