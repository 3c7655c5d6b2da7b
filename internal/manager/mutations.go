package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/state"
)

// MutateOptions tunes a runtime list edit.
type MutateOptions struct {
	// DryRun validates the input and reports what would change.
	DryRun bool
	// Note is stored with the edit and shown by history.
	Note string
}

// MutationResult reports one runtime list edit.
type MutationResult struct {
	Op     string `json:"op" yaml:"op"`
	Value  string `json:"value" yaml:"value"`
	Ranges int    `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	// Live is set when the loaded table was changed as well. While the
	// filter is disabled edits are only recorded.
	Live   bool `json:"live" yaml:"live"`
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// AddWhitelist accepts traffic from raw ahead of every block.
func (m *Manager) AddWhitelist(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	return m.editList(ctx, "add-whitelist", state.KindWhitelist, compiler.WhitelistTag, raw, false, opts)
}

// RemoveWhitelist drops raw from the whitelist.
func (m *Manager) RemoveWhitelist(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	return m.editList(ctx, "remove-whitelist", state.KindWhitelist, compiler.WhitelistTag, raw, true, opts)
}

// BlockAddress drops traffic from raw unless it is whitelisted.
func (m *Manager) BlockAddress(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	return m.editList(ctx, "block-address", state.KindAttackers, compiler.AttackersTag, raw, false, opts)
}

// Unblock drops raw from the attacker list.
func (m *Manager) Unblock(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	return m.editList(ctx, "unblock", state.KindAttackers, compiler.AttackersTag, raw, true, opts)
}

// editList records the edit durably, then applies it to the loaded table.
// A failed live change takes the record back, so the two never disagree.
func (m *Manager) editList(ctx context.Context, op string, kind state.Kind, tagFor func(policy.Family) compiler.Tag,
	raw string, remove bool, opts MutateOptions) (*MutationResult, error) {
	lit, err := policy.ParseLiteral(raw)
	if err != nil {
		return nil, err
	}
	res := &MutationResult{Op: op, Value: lit.String(), DryRun: opts.DryRun}

	if remove {
		listed, err := m.listed(kind, lit.String())
		if err != nil {
			return nil, err
		}
		if !listed {
			return nil, fmt.Errorf("%w: %s is not in the %s list", firewall.ErrNotFound, lit, kind)
		}
	}
	if opts.DryRun {
		return res, nil
	}

	active, err := m.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := m.record(kind, lit.String(), remove, opts.Note)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", op, err)
	}

	if active {
		tag := tagFor(lit.Family())
		if remove {
			err = m.removeListed(ctx, kind, tag, lit)
		} else {
			err = m.store.AddElement(ctx, tag, lit)
		}
		m.metrics.ObserveMutation(op, err)
		if err != nil {
			m.rollback(kind, lit.String(), prev)
			return nil, err
		}
		res.Live = true
		m.saveSnapshot(ctx)
	}

	m.logger.Audit(op, res.Value, "live", res.Live, "note", opts.Note)
	return res, nil
}

// BlockASN resolves raw's routes and drops them in the AS tier. Routes are
// fetched before the filter store is touched.
func (m *Manager) BlockASN(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	asn, err := policy.ParseASN(raw)
	if err != nil {
		return nil, err
	}
	if m.sources == nil {
		return nil, errors.New("no AS resolver configured")
	}
	lits, err := m.sources.Resolve(ctx, asn)
	if err != nil {
		return nil, err
	}
	res := &MutationResult{Op: "block-asn", Value: asn.String(), Ranges: len(lits), DryRun: opts.DryRun}
	if opts.DryRun {
		return res, nil
	}
	if len(lits) == 0 {
		m.logger.Warn("AS announces no routes, blocking it anyway", "asn", asn)
	}

	active, err := m.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := m.overrides.Add(state.KindASNs, asn.String(), opts.Note)
	if err != nil {
		return nil, fmt.Errorf("failed to record block-asn: %w", err)
	}

	if active {
		err = m.reshape(ctx, func(prog *compiler.Program) error {
			v4, v6 := policy.SplitFamilies(lits)
			for _, d := range []struct {
				family policy.Family
				lits   []policy.Literal
			}{{policy.FamilyV4, v4}, {policy.FamilyV6, v6}} {
				tag := compiler.ASNTag(asn, d.family)
				if prog.Set(tag) != nil {
					prog.Set(tag).Elements = d.lits
					continue
				}
				if err := prog.Add(tag, d.lits); err != nil {
					return err
				}
			}
			return nil
		})
		m.metrics.ObserveMutation("block-asn", err)
		if err != nil {
			m.rollback(state.KindASNs, asn.String(), prev)
			return nil, err
		}
		res.Live = true
		m.saveSnapshot(ctx)
	}

	m.logger.Audit("block-asn", res.Value, "ranges", len(lits), "live", res.Live)
	return res, nil
}

// UnblockASN removes an AS block and its sets.
func (m *Manager) UnblockASN(ctx context.Context, raw string, opts MutateOptions) (*MutationResult, error) {
	asn, err := policy.ParseASN(raw)
	if err != nil {
		return nil, err
	}
	listed, err := m.listed(state.KindASNs, asn.String())
	if err != nil {
		return nil, err
	}
	if !listed {
		return nil, fmt.Errorf("%w: %s is not blocked", firewall.ErrNotFound, asn)
	}
	res := &MutationResult{Op: "unblock-asn", Value: asn.String(), DryRun: opts.DryRun}
	if opts.DryRun {
		return res, nil
	}

	active, err := m.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := m.overrides.Remove(state.KindASNs, asn.String(), opts.Note)
	if err != nil {
		return nil, fmt.Errorf("failed to record unblock-asn: %w", err)
	}

	if active {
		err = m.reshape(ctx, func(prog *compiler.Program) error {
			drop := func(tag compiler.Tag) bool {
				a, ok := tag.ASN()
				return ok && a == asn
			}
			prog.Rules = slices.DeleteFunc(prog.Rules, func(r compiler.Rule) bool { return drop(r.Tag) })
			prog.Sets = slices.DeleteFunc(prog.Sets, func(s compiler.SetDecl) bool { return drop(s.Tag) })
			return nil
		})
		m.metrics.ObserveMutation("unblock-asn", err)
		if err != nil {
			m.rollback(state.KindASNs, asn.String(), prev)
			return nil, err
		}
		res.Live = true
		m.saveSnapshot(ctx)
	}

	m.logger.Audit("unblock-asn", res.Value, "live", res.Live)
	return res, nil
}

// removeListed takes lit out of tag's set after it left kind's list. When
// entries still on the list overlap lit, subtracting it would cut their
// addresses out as well, so the set is rewritten from the list instead.
func (m *Manager) removeListed(ctx context.Context, kind state.Kind, tag compiler.Tag, lit policy.Literal) error {
	rest, err := m.listLiterals(kind, tag.Family)
	if err != nil {
		return err
	}
	if len(firewall.NewRangeSet(rest...).Touching(firewall.RangeFromLiteral(lit))) == 0 {
		return m.store.RemoveElement(ctx, tag, lit)
	}
	return m.reshape(ctx, func(prog *compiler.Program) error {
		s := prog.Set(tag)
		if s == nil {
			return fmt.Errorf("%w: set %s", firewall.ErrNotFound, tag)
		}
		rest, err := m.listLiterals(kind, tag.Family)
		if err != nil {
			return err
		}
		s.Elements = rest
		return nil
	})
}

// listLiterals returns the entries of kind's effective list in family f.
func (m *Manager) listLiterals(kind state.Kind, f policy.Family) ([]policy.Literal, error) {
	pol, err := m.Policy()
	if err != nil {
		return nil, err
	}
	return listSets(pol)[tagForKind(kind, f)], nil
}

func tagForKind(kind state.Kind, f policy.Family) compiler.Tag {
	if kind == state.KindWhitelist {
		return compiler.WhitelistTag(f)
	}
	return compiler.AttackersTag(f)
}

// reshape edits a copy of the live program and applies it. The edit runs
// under the filter store's writer lock; the store turns the difference
// into an incremental transaction.
func (m *Manager) reshape(ctx context.Context, edit func(*compiler.Program) error) error {
	_, err := m.store.Update(ctx, func(live *compiler.Program) (*compiler.Program, error) {
		if live == nil {
			return nil, firewall.ErrNotLoaded
		}
		next := firewall.Canonical(live)
		if err := edit(next); err != nil {
			return nil, err
		}
		if err := compiler.CheckOrder(next.Rules); err != nil {
			return nil, err
		}
		return next, nil
	})
	return err
}

// AddCountries blocks more countries. The ranges are fetched by the next
// reload.
func (m *Manager) AddCountries(codes []string, opts MutateOptions) ([]string, error) {
	ccs, err := normalizeCountries(codes)
	if err != nil || opts.DryRun {
		return ccs, err
	}
	for _, cc := range ccs {
		if _, err := m.overrides.Add(state.KindCountries, cc, opts.Note); err != nil {
			return nil, fmt.Errorf("failed to record country %s: %w", cc, err)
		}
		m.logger.Audit("add-country", cc)
	}
	return ccs, nil
}

// RemoveCountries stops blocking countries on the next reload. Every code
// must currently be blocked.
func (m *Manager) RemoveCountries(codes []string, opts MutateOptions) ([]string, error) {
	ccs, err := normalizeCountries(codes)
	if err != nil {
		return nil, err
	}
	for _, cc := range ccs {
		listed, err := m.listed(state.KindCountries, cc)
		if err != nil {
			return nil, err
		}
		if !listed {
			return nil, fmt.Errorf("%w: country %s is not blocked", firewall.ErrNotFound, cc)
		}
	}
	if opts.DryRun {
		return ccs, nil
	}
	for _, cc := range ccs {
		if _, err := m.overrides.Remove(state.KindCountries, cc, opts.Note); err != nil {
			return nil, fmt.Errorf("failed to record country %s: %w", cc, err)
		}
		m.logger.Audit("remove-country", cc)
	}
	return ccs, nil
}

// Countries returns the blocked countries in rule order.
func (m *Manager) Countries() ([]string, error) {
	pol, err := m.Policy()
	if err != nil {
		return nil, err
	}
	return pol.Countries, nil
}

func normalizeCountries(codes []string) ([]string, error) {
	var (
		out  []string
		errs []error
	)
	for _, c := range codes {
		cc, err := policy.NormalizeCountry(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !slices.Contains(out, cc) {
			out = append(out, cc)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (m *Manager) record(kind state.Kind, value string, remove bool, note string) (*state.Override, error) {
	if remove {
		return m.overrides.Remove(kind, value, note)
	}
	return m.overrides.Add(kind, value, note)
}

func (m *Manager) rollback(kind state.Kind, value string, prev *state.Override) {
	if err := m.overrides.Restore(kind, value, prev); err != nil {
		m.logger.Error("failed to roll back policy override", "kind", kind, "value", value, "error", err)
	}
}

// listed reports whether value is an entry of kind's effective list.
func (m *Manager) listed(kind state.Kind, value string) (bool, error) {
	doc, err := m.overrides.Merge(m.cfg.Policy.Document())
	if err != nil {
		return false, err
	}
	var list []string
	switch kind {
	case state.KindWhitelist:
		list = doc.Whitelist
	case state.KindAttackers:
		list = doc.Attackers
	case state.KindCountries:
		list = doc.Countries
	case state.KindASNs:
		list = doc.ASNs
	}
	return slices.Contains(list, value), nil
}
