package manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/persist"
)

// SetStatus describes one live set. Literals are listed for the whitelist
// and attacker sets only; country and AS sets are summarized by size.
type SetStatus struct {
	Tag      string   `json:"tag" yaml:"tag"`
	Name     string   `json:"name" yaml:"name"`
	Action   string   `json:"action" yaml:"action"`
	Elements int      `json:"elements" yaml:"elements"`
	Literals []string `json:"literals,omitempty" yaml:"literals,omitempty"`
}

// Status is what `status` prints.
type Status struct {
	Table    string           `json:"table" yaml:"table"`
	Active   bool             `json:"active" yaml:"active"`
	Parked   bool             `json:"parked" yaml:"parked"`
	Summary  compiler.Summary `json:"summary" yaml:"summary"`
	Sets     []SetStatus      `json:"sets,omitempty" yaml:"sets,omitempty"`
	Snapshot *persist.Header  `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// Quick renders the one-line summary.
func (s *Status) Quick() string {
	if !s.Active {
		return "Inactive"
	}
	return fmt.Sprintf("Blocking %d countries, %d IPs, %d ASNs | Whitelist: %d IPs",
		s.Summary.Countries, s.Summary.Attackers, s.Summary.ASNs, s.Summary.Whitelist)
}

// Status reports whether the filter is loaded and what it enforces.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	st := &Status{Table: m.store.Table(), Parked: m.store.Parked()}

	if snap, err := m.snaps.Load(); err == nil {
		st.Snapshot = &snap.Header
	} else if !errors.Is(err, persist.ErrNoSnapshot) {
		m.logger.Warn("snapshot unreadable", "path", m.snaps.Path(), "error", err)
	}

	live, err := m.store.LiveProgram(ctx)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return st, nil
	}
	st.Active = true
	st.Summary = live.Summarize()

	sets, err := m.store.ListSets(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range sets {
		ss := SetStatus{
			Tag:      s.Tag.String(),
			Name:     s.Name,
			Action:   string(s.Tag.Action()),
			Elements: s.Ranges.Len(),
		}
		if s.Tag.Kind == compiler.KindWhitelist || s.Tag.Kind == compiler.KindAttackers {
			for _, l := range s.Elements() {
				ss.Literals = append(ss.Literals, l.String())
			}
		}
		st.Sets = append(st.Sets, ss)
	}
	return st, nil
}

// SetStats is one row of `stats`.
type SetStats struct {
	Tag      string `json:"tag" yaml:"tag"`
	Set      string `json:"set" yaml:"set"`
	Action   string `json:"action" yaml:"action"`
	Elements int    `json:"elements" yaml:"elements"`
	Packets  uint64 `json:"packets" yaml:"packets"`
	Bytes    uint64 `json:"bytes" yaml:"bytes"`
}

// Stats holds per-set sizes and rule counters.
type Stats struct {
	Active bool       `json:"active" yaml:"active"`
	Sets   []SetStats `json:"sets" yaml:"sets"`
}

// Stats collects set sizes and rule counters and mirrors them into the
// metrics registry.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	sets, err := m.store.ListSets(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	counters := make(map[compiler.Tag]int, len(rules))
	for i, r := range rules {
		counters[r.Tag] = i
	}

	active, err := m.store.Active(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{Active: active, Sets: []SetStats{}}
	m.metrics.SetElements.Reset()
	m.metrics.RulePackets.Reset()
	m.metrics.RuleBytes.Reset()
	for _, s := range sets {
		row := SetStats{
			Tag:      s.Tag.String(),
			Set:      s.Name,
			Action:   string(s.Tag.Action()),
			Elements: s.Ranges.Len(),
		}
		if i, ok := counters[s.Tag]; ok {
			row.Packets = rules[i].Packets
			row.Bytes = rules[i].Bytes
			m.metrics.RulePackets.WithLabelValues(row.Tag, row.Action).Set(float64(row.Packets))
			m.metrics.RuleBytes.WithLabelValues(row.Tag, row.Action).Set(float64(row.Bytes))
		}
		m.metrics.SetElements.WithLabelValues(s.Name, s.Tag.Family.String()).Set(float64(row.Elements))
		st.Sets = append(st.Sets, row)
	}
	if st.Active {
		m.metrics.Enabled.Set(1)
	} else {
		m.metrics.Enabled.Set(0)
	}
	return st, nil
}

// CheckResult is the verdict of the live filter for one address.
type CheckResult struct {
	Addr   netip.Addr `json:"addr" yaml:"addr"`
	Active bool       `json:"active" yaml:"active"`
	Action string     `json:"action" yaml:"action"`
	// Rule is the tag of the matching rule, empty for the default policy.
	Rule  string `json:"rule,omitempty" yaml:"rule,omitempty"`
	Match string `json:"match,omitempty" yaml:"match,omitempty"`
}

// Check evaluates addr against the loaded ruleset the way the kernel would.
// With the filter disabled everything is accepted.
func (m *Manager) Check(ctx context.Context, addr netip.Addr) (*CheckResult, error) {
	res := &CheckResult{Addr: addr.Unmap(), Action: string(compiler.ActionAccept)}
	live, err := m.store.LiveProgram(ctx)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return res, nil
	}
	res.Active = true
	v := compiler.Evaluate(live, addr)
	res.Action = string(v.Action)
	if v.Rule != nil {
		res.Rule = v.Rule.String()
		res.Match = v.Match.String()
	}
	return res, nil
}
