package phasematch

import (
	"fmt"
	"io"
)

// Report writes the diagnostics followed by one "<index> <register>" line per output register.
func Report(w io.Writer, result Result) error {
	for _, d := range result.Diagnostics {
		if _, err := fmt.Fprintln(w, d.String()); err != nil {
			return fmt.Errorf("write diagnostic: %w", err)
		}
	}
	for idx, reg := range result.Registers {
		if _, err := fmt.Fprintf(w, "%d %s\n", idx, reg); err != nil {
			return fmt.Errorf("write register %d: %w", idx, err)
		}
	}
	return nil
}
