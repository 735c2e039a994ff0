package app

// nodeAdmin is the control surface partners reach with BlockRequest and
// Shutdown packets.
type nodeAdmin struct{ n *Node }

func (a nodeAdmin) Blocked() bool { return a.n.blocked.Load() }

func (a nodeAdmin) SetBlocked(blocked bool) {
	if a.n.blocked.Swap(blocked) != blocked {
		a.n.logger.Warn("inbound requests blocked", "blocked", blocked)
	}
}

// Shutdown stops the node: every session is canceled, flushes its file,
// records the transfer as interrupted and tells its peer.
func (a nodeAdmin) Shutdown(restart bool) {
	a.n.logger.Warn("shutdown requested by partner", "restart", restart)
	a.n.restart.Store(restart)
	a.n.stopped.Store(true)
	a.n.cancel()
}
