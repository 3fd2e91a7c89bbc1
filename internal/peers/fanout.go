package peers

import (
	"github.com/iainonline/meshtastic-weather-works/internal/logx"
)

// Fanout decides which peers an outgoing reading goes to. When the connected
// radio is itself one of the configured peers the station broadcasts to
// everyone else; otherwise it sends to the single operator-selected target.
// The same binary and config therefore work as hub or spoke.
type Fanout struct {
	log      *logx.Logger
	reg      *Registry
	selected string
}

func NewFanout(log *logx.Logger, reg *Registry, selectedTarget string) *Fanout {
	return &Fanout{log: log, reg: reg, selected: selectedTarget}
}

// ResolveTargets computes the target set for one outgoing message. selfName
// is the registry name of the connected radio, or "" when unresolved.
func (f *Fanout) ResolveTargets(selfName string) ([]Peer, error) {
	if selfName != "" {
		if _, err := f.reg.Lookup(selfName); err == nil {
			targets := f.reg.TargetsExcluding(selfName)
			f.log.Debugf("FANOUT → self=%s broadcast to %d peer(s)", selfName, len(targets))
			return targets, nil
		}
	}
	addr, err := f.reg.Lookup(f.selected)
	if err != nil {
		return nil, err
	}
	f.log.Debugf("FANOUT → point-to-point target=%s", f.selected)
	return []Peer{{Name: f.selected, Addr: addr}}, nil
}

// Selected reports the operator-selected point-to-point target.
func (f *Fanout) Selected() string { return f.selected }
