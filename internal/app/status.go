package app

import (
	"context"
	"time"

	"github.com/sheerbytes/rankflux/internal/registry"
)

// Status is a point-in-time view of node activity.
type Status struct {
	Connections int
	Sessions    int64
	Blocked     bool
	ByStatus    map[registry.Status]int
}

// Status counts live connections, running sessions and registry entries by
// status.
func (n *Node) Status(ctx context.Context) (Status, error) {
	st := Status{
		Connections: n.connCount(),
		Sessions:    n.sessions.Load(),
		Blocked:     n.blocked.Load(),
		ByStatus:    make(map[registry.Status]int),
	}
	entries, err := n.store.List(ctx)
	if err != nil {
		return st, err
	}
	for _, e := range entries {
		st.ByStatus[e.Status]++
	}
	return st, nil
}

func (n *Node) reportStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := n.Status(ctx)
			if err != nil {
				n.logger.Warn("failed to read registry", "error", err)
				continue
			}
			n.logger.Info("node status",
				"connections", st.Connections,
				"sessions", st.Sessions,
				"blocked", st.Blocked,
				"running", st.ByStatus[registry.StatusRunning],
				"interrupted", st.ByStatus[registry.StatusInterrupted],
				"pending", st.ByStatus[registry.StatusToSubmit],
				"done", st.ByStatus[registry.StatusDone],
				"error", st.ByStatus[registry.StatusError],
			)
		}
	}
}
