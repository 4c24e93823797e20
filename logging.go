package openfalciparum

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the structured diagnostic logger used by the driver
// and the vector fitter (§4.2 "Implementers must expose diagnostic
// logging of per-iteration target vs achieved EIR", §7 "warnings ...
// written to standard error"). debug widens the level to Debug so the
// fitter's per-iteration trace (--debug-vector-fitting) is visible.
func NewLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// DefaultLogger writes to standard error at Info level, matching the
// teacher's plain log.Printf-to-stderr behaviour generalised to
// structured fields.
func DefaultLogger() zerolog.Logger {
	return NewLogger(os.Stderr, false)
}

// LogWarning emits a non-fatal diagnostic per §7's warning policy.
func LogWarning(log zerolog.Logger, w *Warning) {
	if w == nil {
		return
	}
	log.Warn().Msg(w.Message)
}

// LogFatal emits the terse one-line diagnostic §7 requires before the
// driver exits with a non-zero code.
func LogFatal(log zerolog.Logger, err error) {
	var kind string
	if ce, ok := err.(*CoreError); ok {
		kind = ce.Kind.String()
	} else {
		kind = "unknown"
	}
	log.Error().Str("kind", kind).Msg(err.Error())
}
