// Package peers holds the static peer table loaded from configuration and the
// fan-out decision for outgoing readings.
package peers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a peer name is not in the registry. That is a
// configuration bug on the caller's side, never an expected runtime condition.
var ErrNotFound = errors.New("peer not found")

// Peer is one configured mesh node.
type Peer struct {
	Name string
	Addr uint32
}

func (p Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, FormatAddr(p.Addr))
}

// Registry is the immutable name/address table. It is loaded once at startup
// and only ever read afterwards, so it needs no locking.
type Registry struct {
	list   []Peer
	byName map[string]Peer
	byAddr map[uint32]Peer
}

// NewRegistry builds a registry from the configured peer list, preserving its
// order. Duplicate names or addresses are rejected.
func NewRegistry(list []Peer) (*Registry, error) {
	r := &Registry{
		list:   make([]Peer, 0, len(list)),
		byName: make(map[string]Peer, len(list)),
		byAddr: make(map[uint32]Peer, len(list)),
	}
	for _, p := range list {
		if p.Name == "" {
			return nil, fmt.Errorf("peer with empty name (addr=%s)", FormatAddr(p.Addr))
		}
		if _, ok := r.byName[p.Name]; ok {
			return nil, fmt.Errorf("duplicate peer name %q", p.Name)
		}
		if prev, ok := r.byAddr[p.Addr]; ok {
			return nil, fmt.Errorf("peers %q and %q share address %s", prev.Name, p.Name, FormatAddr(p.Addr))
		}
		r.list = append(r.list, p)
		r.byName[p.Name] = p
		r.byAddr[p.Addr] = p
	}
	return r, nil
}

// Lookup resolves a peer name to its address.
func (r *Registry) Lookup(name string) (uint32, error) {
	p, ok := r.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p.Addr, nil
}

// ResolveSelf maps the connected radio's own address back to a configured
// peer name. The second return is false when the radio is not in the table.
func (r *Registry) ResolveSelf(connectedAddr uint32) (string, bool) {
	p, ok := r.byAddr[connectedAddr]
	if !ok {
		return "", false
	}
	return p.Name, true
}

// TargetsExcluding returns every configured peer except the named one, in
// configured order.
func (r *Registry) TargetsExcluding(name string) []Peer {
	out := make([]Peer, 0, len(r.list))
	for _, p := range r.list {
		if p.Name == name {
			continue
		}
		out = append(out, p)
	}
	return out
}

// All returns the configured peers in order.
func (r *Registry) All() []Peer {
	out := make([]Peer, len(r.list))
	copy(out, r.list)
	return out
}

func (r *Registry) Len() int { return len(r.list) }

// FormatAddr renders a node address the way Meshtastic tooling prints it.
func FormatAddr(a uint32) string {
	return fmt.Sprintf("!%08x", a)
}

// ParseAddr accepts either the "!9e7656a8" hex form or a plain decimal node
// number, matching what operators paste into the config file.
func ParseAddr(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty node address")
	}
	if strings.HasPrefix(s, "!") {
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("bad hex node address %q: %w", s, err)
		}
		return uint32(v), nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad node address %q: %w", s, err)
	}
	return uint32(v), nil
}
