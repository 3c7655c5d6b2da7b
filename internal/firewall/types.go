package firewall

import (
	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/policy"
)

// ApplyMode says how Apply brought the kernel in line with a program.
type ApplyMode string

const (
	ModeFull        ApplyMode = "full"
	ModeIncremental ApplyMode = "incremental"
	ModeNoop        ApplyMode = "noop"
)

// ApplyResult describes a successful Apply.
type ApplyResult struct {
	Mode    ApplyMode
	Changed []string // tags of the sets that were added, refilled or removed
}

// SetInfo describes a live set.
type SetInfo struct {
	Tag    compiler.Tag
	Name   string
	Ranges RangeSet
}

// Elements returns the set contents as CIDRs.
func (s SetInfo) Elements() []policy.Literal { return s.Ranges.Literals() }

// RuleInfo describes a live rule and its counters.
type RuleInfo struct {
	Tag     compiler.Tag
	Handle  uint64
	Action  compiler.Action
	Packets uint64
	Bytes   uint64
}
