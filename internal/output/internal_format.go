package output

import (
	"encoding/json"
	"io"
)

// InternalWriter dumps the full Traceroute as JSON, for debugging and
// for feeding other processes.
type InternalWriter struct {
	W io.Writer
}

func (iw *InternalWriter) WriteTraceroute(tr Traceroute) error {
	enc := json.NewEncoder(iw.W)
	enc.SetIndent("", "  ")
	return enc.Encode(tr)
}

// QuietWriter discards everything.
type QuietWriter struct{}

func (QuietWriter) WriteTraceroute(Traceroute) error { return nil }
