// Package idresolver assigns collision-free public identifiers to
// sources as they are discovered, in declaration/discovery order.
package idresolver

import (
	"fmt"
	"log/slog"
)

// reserved names are always suffixed, even on first sight, since they
// collide with fixed HTTP surface routes (§4.H).
var reserved = map[string]bool{
	"health": true, "catalog": true, "sprite": true, "sdf_sprite": true,
	"style": true, "font": true, "_": true,
}

// Resolver assigns public identifiers to candidate logical names, first
// come first served on the unsuffixed name; every later collision (and
// every reserved name, even unseen) gets a deterministic ".1", ".2", ...
// suffix.
type Resolver struct {
	logger *slog.Logger
	counts map[string]int
	used   map[string]bool
}

func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger, counts: map[string]int{}, used: map[string]bool{}}
}

// Reserve claims an identifier exactly as Resolve does (same suffixing,
// same logging); a name claimed first, by either call, stays unsuffixed
// and later claims of it get a suffix.
func (r *Resolver) Reserve(logicalName string) string {
	return r.Resolve(logicalName)
}

// Resolve returns the public identifier for one candidate logical name,
// applying the collision and reserved-name rules.
func (r *Resolver) Resolve(logicalName string) string {
	if !reserved[logicalName] && !r.used[logicalName] {
		r.used[logicalName] = true
		return logicalName
	}

	r.counts[logicalName]++
	suffixed := fmt.Sprintf("%s.%d", logicalName, r.counts[logicalName])
	for r.used[suffixed] {
		r.counts[logicalName]++
		suffixed = fmt.Sprintf("%s.%d", logicalName, r.counts[logicalName])
	}
	r.used[suffixed] = true

	if reserved[logicalName] {
		r.logger.Warn("id resolver: reserved name always suffixed", "name", logicalName, "assigned", suffixed)
	} else {
		r.logger.Warn("id resolver: name collision, assigning suffix", "name", logicalName, "assigned", suffixed)
	}
	return suffixed
}
