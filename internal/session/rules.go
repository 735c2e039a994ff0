package session

import (
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

// Rule is a named transfer contract shared by both partners. Mode is
// expressed from the requester's side.
type Rule struct {
	Name string
	Mode protocol.Mode
	// RecvDir holds files this node receives; SendDir holds files it sends.
	RecvDir string
	SendDir string
}

// Rules looks rules up by name.
type Rules interface {
	Rule(name string) (Rule, bool)
}

// RuleSet is a static Rules.
type RuleSet map[string]Rule

func (rs RuleSet) Rule(name string) (Rule, bool) {
	r, ok := rs[name]
	return r, ok
}
