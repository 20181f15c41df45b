package bertgo

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewLogger returns a stderr logger tagged with a fresh run_id.
func NewLogger(level string) (zerolog.Logger, error) {
	return newLogger(os.Stderr, level)
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger(), nil
}
