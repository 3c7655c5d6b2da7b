package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/policy"
)

// fakeStore keeps the "kernel" as a canonical program. Scripts handed out by
// Dump are remembered so CheckScript and Restore can accept them back.
type fakeStore struct {
	mu       sync.Mutex
	live     *compiler.Program
	parked   *compiler.Program
	scripts  map[string]*compiler.Program
	packets  map[compiler.Tag]uint64
	applies  []firewall.ApplyResult
	applyErr error
	editErr  error
	removes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{scripts: map[string]*compiler.Program{}, packets: map[compiler.Tag]uint64{}}
}

func (f *fakeStore) Table() string { return "geoblock" }

func (f *fakeStore) Apply(ctx context.Context, prog *compiler.Program) (firewall.ApplyResult, error) {
	return f.Update(ctx, func(*compiler.Program) (*compiler.Program, error) { return prog, nil })
}

func (f *fakeStore) Update(_ context.Context, build func(*compiler.Program) (*compiler.Program, error)) (firewall.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return firewall.ApplyResult{}, f.applyErr
	}
	var live *compiler.Program
	if f.live != nil {
		live = firewall.Canonical(f.live)
	}
	prog, err := build(live)
	if err != nil {
		return firewall.ApplyResult{}, err
	}
	next := firewall.Canonical(prog)
	res := firewall.ApplyResult{Mode: firewall.ModeFull}
	if f.live != nil {
		plan := compiler.Diff(f.live, next)
		switch {
		case plan.Empty():
			res.Mode = firewall.ModeNoop
		case !plan.Rebuild:
			res.Mode = firewall.ModeIncremental
		}
		res.Changed = plan.Changed()
	}
	f.live = next
	f.applies = append(f.applies, res)
	return res, nil
}

func (f *fakeStore) set(tag compiler.Tag) (*compiler.SetDecl, error) {
	if f.live == nil {
		return nil, fmt.Errorf("%w: %w", firewall.ErrNotFound, firewall.ErrNotLoaded)
	}
	s := f.live.Set(tag)
	if s == nil {
		return nil, fmt.Errorf("%w: set %s", firewall.ErrNotFound, tag)
	}
	return s, nil
}

func (f *fakeStore) AddElement(_ context.Context, tag compiler.Tag, lit policy.Literal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.set(tag)
	if err != nil {
		return err
	}
	if f.editErr != nil {
		return f.editErr
	}
	s.Elements = firewall.NewRangeSet(s.Elements...).Add(firewall.RangeFromLiteral(lit)).Literals()
	return nil
}

func (f *fakeStore) RemoveElement(_ context.Context, tag compiler.Tag, lit policy.Literal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.set(tag)
	if err != nil {
		return err
	}
	rs := firewall.NewRangeSet(s.Elements...)
	if !rs.Covers(firewall.RangeFromLiteral(lit)) {
		return fmt.Errorf("%w: %s in %s", firewall.ErrNotFound, lit, tag)
	}
	if f.editErr != nil {
		return f.editErr
	}
	s.Elements = rs.Subtract(firewall.RangeFromLiteral(lit)).Literals()
	f.removes++
	return nil
}

func (f *fakeStore) InsertRule(_ context.Context, pos int, tag compiler.Tag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.set(tag); err != nil {
		return err
	}
	if f.live.RuleIndex(tag) >= 0 {
		return nil
	}
	if pos < 0 {
		pos = compiler.PositionFor(f.live.Rules, tag)
	}
	f.live.Rules = slices.Insert(f.live.Rules, pos, compiler.Rule{Tag: tag})
	return nil
}

func (f *fakeStore) RemoveRule(_ context.Context, tag compiler.Tag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil || f.live.RuleIndex(tag) < 0 {
		return fmt.Errorf("%w: rule %s", firewall.ErrNotFound, tag)
	}
	f.live.Rules = slices.Delete(f.live.Rules, f.live.RuleIndex(tag), f.live.RuleIndex(tag)+1)
	return nil
}

func (f *fakeStore) Active(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live != nil, nil
}

func (f *fakeStore) LiveProgram(context.Context) (*compiler.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		return nil, nil
	}
	return firewall.Canonical(f.live), nil
}

func (f *fakeStore) ListSets(context.Context) ([]firewall.SetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		return nil, nil
	}
	var out []firewall.SetInfo
	for _, r := range f.live.Rules {
		s := f.live.Set(r.Tag)
		out = append(out, firewall.SetInfo{Tag: s.Tag, Name: s.Name(), Ranges: firewall.NewRangeSet(s.Elements...)})
	}
	return out, nil
}

func (f *fakeStore) ListRules(context.Context) ([]firewall.RuleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		return nil, nil
	}
	var out []firewall.RuleInfo
	for i, r := range f.live.Rules {
		out = append(out, firewall.RuleInfo{
			Tag:     r.Tag,
			Handle:  uint64(i + 1),
			Action:  r.Action(),
			Packets: f.packets[r.Tag],
			Bytes:   f.packets[r.Tag] * 60,
		})
	}
	return out, nil
}

func (f *fakeStore) IsMember(_ context.Context, tag compiler.Tag, lit policy.Literal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.set(tag)
	if err != nil {
		return false, err
	}
	if lit.Family() != tag.Family {
		return false, nil
	}
	return firewall.NewRangeSet(s.Elements...).Covers(firewall.RangeFromLiteral(lit)), nil
}

func (f *fakeStore) Disable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		return nil
	}
	f.parked, f.live = f.live, nil
	return nil
}

func (f *fakeStore) Enable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live != nil {
		return nil
	}
	if f.parked == nil {
		return firewall.ErrNothingParked
	}
	f.live, f.parked = f.parked, nil
	return nil
}

func (f *fakeStore) Parked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parked != nil
}

func (f *fakeStore) Dump(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		return "", firewall.ErrNotLoaded
	}
	script, err := firewall.RenderProgram(f.live)
	if err != nil {
		return "", err
	}
	f.scripts[script] = firewall.Canonical(f.live)
	return script, nil
}

func (f *fakeStore) CheckScript(_ context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.scripts[script]; !ok {
		return &firewall.ApplyError{Stage: "validate", Stderr: "Error: syntax error", Err: errors.New("exit status 1")}
	}
	return nil
}

func (f *fakeStore) Restore(_ context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prog, ok := f.scripts[script]
	if !ok {
		return &firewall.ApplyError{Stage: "apply", Err: errors.New("exit status 1")}
	}
	f.live = firewall.Canonical(prog)
	f.parked = nil
	return nil
}

// fakeSources serves fixed country and AS data.
type fakeSources struct {
	mu        sync.Mutex
	countries map[string][]policy.Literal
	asns      map[policy.ASN][]policy.Literal
	err       error
	fetches   int
	// onFetch runs after a successful fetch.
	onFetch func()
}

func (s *fakeSources) FetchAll(_ context.Context, pol policy.Policy) (*addrset.Resolved, error) {
	res, err := s.fetch(pol)
	if err != nil {
		return nil, err
	}
	if s.onFetch != nil {
		s.onFetch()
	}
	return res, nil
}

func (s *fakeSources) fetch(pol policy.Policy) (*addrset.Resolved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	res := addrset.NewResolved()
	for _, cc := range pol.Countries {
		lits, ok := s.countries[cc]
		if !ok {
			return nil, fmt.Errorf("country %s: %w", cc, addrset.ErrSourceUnavailable)
		}
		res.Countries[cc] = lits
	}
	for _, asn := range pol.ASNs {
		res.ASNs[asn] = s.asns[asn]
	}
	return res, nil
}

func (s *fakeSources) Resolve(_ context.Context, asn policy.ASN) ([]policy.Literal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.asns[asn], nil
}
