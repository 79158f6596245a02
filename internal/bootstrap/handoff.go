package bootstrap

import (
	"encoding/gob"
	"io"

	"github.com/sandboxcore/sandboxcore/internal/sandboxerr"
)

// handoff carries the state the contained process needs but cannot
// recompute itself: the control token minted by the parent (it must match
// the one already handed to the front end) and the sandbox parameters. It
// travels across the re-exec on an inherited pipe, never through argv or
// an environment variable, so it never appears in /proc/<pid>/cmdline or
// /proc/<pid>/environ.
type handoff struct {
	SandboxRoot           string
	ProxyHost             string
	ProxyPort             int
	NetworkMode           int
	ControlSocketName     string
	RedirectorSocketName  string
	Token                 []byte
	MetricsAddr           string
	RedirectorMetricsAddr string
	BudgetCapacity        int
	BudgetRefillSeconds   int
}

func encodeHandoff(w io.Writer, h handoff) error {
	if err := gob.NewEncoder(w).Encode(h); err != nil {
		return sandboxerr.New(sandboxerr.KindIOFailure, "bootstrap.encodeHandoff", err)
	}
	return nil
}

func decodeHandoff(r io.Reader) (handoff, error) {
	var h handoff
	if err := gob.NewDecoder(r).Decode(&h); err != nil {
		return handoff{}, sandboxerr.New(sandboxerr.KindIOFailure, "bootstrap.decodeHandoff", err)
	}
	return h, nil
}
