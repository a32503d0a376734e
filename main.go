package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func main() {
	err := NewCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setupLogger installs the default text logger on stderr. Stdout is kept for the matching report.
func setupLogger(level string) error {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(level)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
	return nil
}
