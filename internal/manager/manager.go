// Package manager implements the management operations on top of the filter
// store: enable, disable, reload, runtime list edits, status and stats.
//
// The filter is either enabled (table loaded) or disabled (table removed
// and parked). Runtime edits are recorded in the state store before they
// touch the kernel, so a later reload compiles them in again. Address data
// is fetched before any filter store call, which keeps network latency out
// of the writer lock.
package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"grimm.is/geoblock/internal/addrset"
	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/config"
	"grimm.is/geoblock/internal/firewall"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/persist"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/state"
)

// ErrDisabled is returned by Reload while the filter is disabled.
var ErrDisabled = errors.New("filtering is disabled; run enable first")

// FilterStore is the live filter. *firewall.Adapter implements it.
type FilterStore interface {
	Table() string
	Apply(ctx context.Context, prog *compiler.Program) (firewall.ApplyResult, error)
	Update(ctx context.Context, build func(live *compiler.Program) (*compiler.Program, error)) (firewall.ApplyResult, error)
	AddElement(ctx context.Context, tag compiler.Tag, lit policy.Literal) error
	RemoveElement(ctx context.Context, tag compiler.Tag, lit policy.Literal) error
	InsertRule(ctx context.Context, pos int, tag compiler.Tag) error
	RemoveRule(ctx context.Context, tag compiler.Tag) error

	Active(ctx context.Context) (bool, error)
	LiveProgram(ctx context.Context) (*compiler.Program, error)
	ListSets(ctx context.Context) ([]firewall.SetInfo, error)
	ListRules(ctx context.Context) ([]firewall.RuleInfo, error)
	IsMember(ctx context.Context, tag compiler.Tag, lit policy.Literal) (bool, error)

	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
	Parked() bool

	Dump(ctx context.Context) (string, error)
	CheckScript(ctx context.Context, script string) error
	Restore(ctx context.Context, script string) error
}

// Sources resolves countries and AS numbers to address ranges.
// *addrset.Provider implements it.
type Sources interface {
	FetchAll(ctx context.Context, pol policy.Policy) (*addrset.Resolved, error)
	Resolve(ctx context.Context, asn policy.ASN) ([]policy.Literal, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Config  *config.Config
	Store   FilterStore
	Sources Sources
	State   state.Store
	Metrics *metrics.Registry
	Logger  *logging.Logger
	Clock   clock.Clock
}

// Manager runs management operations.
type Manager struct {
	cfg       *config.Config
	store     FilterStore
	sources   Sources
	state     state.Store
	overrides *state.Overrides
	snaps     *persist.Snapshotter
	metrics   *metrics.Registry
	logger    *logging.Logger
	clock     clock.Clock
}

// New creates a manager. The snapshot file is taken from the config.
func New(d Deps) (*Manager, error) {
	if d.Config == nil || d.Store == nil || d.State == nil {
		return nil, errors.New("manager: config, filter store and state store are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Get()
	}
	if d.Clock == nil {
		d.Clock = clock.Default()
	}
	ovs, err := state.NewOverrides(d.State)
	if err != nil {
		return nil, err
	}
	logger := d.Logger.WithComponent("manager")
	return &Manager{
		cfg:       d.Config,
		store:     d.Store,
		sources:   d.Sources,
		state:     d.State,
		overrides: ovs,
		snaps:     persist.NewSnapshotter(d.Config.SnapshotFile, d.Store, d.Logger).WithClock(d.Clock),
		metrics:   d.Metrics,
		logger:    logger,
		clock:     d.Clock,
	}, nil
}

// Overrides gives access to the runtime policy edits.
func (m *Manager) Overrides() *state.Overrides { return m.overrides }

func (m *Manager) options() compiler.Options {
	return compiler.Options{
		Table:    m.cfg.Table,
		Chain:    m.cfg.Chain,
		Hook:     m.cfg.Hook,
		Priority: m.cfg.Priority,
	}
}

// Policy returns the configured policy with the runtime edits applied.
func (m *Manager) Policy() (policy.Policy, error) {
	doc, err := m.overrides.Merge(m.cfg.Policy.Document())
	if err != nil {
		return policy.Policy{}, fmt.Errorf("failed to read policy overrides: %w", err)
	}
	return policy.Build(doc)
}

// Compile fetches every source of the effective policy and compiles it.
// Nothing in the filter store is touched.
func (m *Manager) Compile(ctx context.Context) (*compiler.Program, error) {
	pol, res, err := m.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(pol, res, m.options())
}

func (m *Manager) fetch(ctx context.Context) (policy.Policy, *addrset.Resolved, error) {
	pol, err := m.Policy()
	if err != nil {
		return policy.Policy{}, nil, err
	}
	if m.sources == nil {
		return policy.Policy{}, nil, fmt.Errorf("%w: no address sources configured", addrset.ErrSourceUnavailable)
	}
	res, err := m.sources.FetchAll(ctx, pol)
	if err != nil {
		return policy.Policy{}, nil, err
	}
	return pol, res, nil
}

// ReloadResult describes a finished reload.
type ReloadResult struct {
	Mode    firewall.ApplyMode `json:"mode" yaml:"mode"`
	Changed []string           `json:"changed,omitempty" yaml:"changed,omitempty"`
	Summary compiler.Summary   `json:"summary" yaml:"summary"`
	Took    time.Duration      `json:"took" yaml:"took"`
}

// Reload recompiles the policy from fresh address data and applies it.
// Cancelling ctx before the apply step leaves the filter untouched.
//
// The policy is read a second time under the writer lock, so list edits
// recorded while the sources were fetched are compiled in rather than
// stripped from the table.
func (m *Manager) Reload(ctx context.Context) (*ReloadResult, error) {
	start := m.clock.Now()
	if err := m.checkEnabled(ctx); err != nil {
		return nil, err
	}

	_, fetched, err := m.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("reload aborted before apply: %w", err)
	}

	var prog *compiler.Program
	res, err := m.store.Update(ctx, func(live *compiler.Program) (*compiler.Program, error) {
		cur, err := m.Policy()
		if err != nil {
			return nil, err
		}
		prog, err = compiler.Compile(reconcile(cur, fetched, live), fetched, m.options())
		return prog, err
	})
	if err != nil {
		return nil, err
	}
	m.metrics.LastReload.Set(float64(m.clock.Now().Unix()))
	m.metrics.Enabled.Set(1)
	m.saveSnapshot(ctx)

	out := &ReloadResult{
		Mode:    res.Mode,
		Changed: res.Changed,
		Summary: prog.Summarize(),
		Took:    m.clock.Since(start),
	}
	m.logger.Audit("reload", m.cfg.Table, "mode", res.Mode, "changed", len(res.Changed))
	return out, nil
}

// reconcile narrows cur, the policy as it stands at apply time, to what can
// be compiled from fetched. Countries added during the fetch wait for the
// next reload. AS blocks added during the fetch are already live, so their
// ranges are taken from the table. fetched is extended in place.
func reconcile(cur policy.Policy, fetched *addrset.Resolved, live *compiler.Program) policy.Policy {
	out := cur
	out.Countries = slices.DeleteFunc(slices.Clone(cur.Countries), func(cc string) bool {
		_, ok := fetched.Countries[cc]
		return !ok
	})
	out.ASNs = nil
	for _, asn := range cur.ASNs {
		if _, ok := fetched.ASNs[asn]; !ok {
			lits, ok := liveASN(live, asn)
			if !ok {
				continue
			}
			fetched.ASNs[asn] = lits
		}
		out.ASNs = append(out.ASNs, asn)
	}
	return out
}

func liveASN(live *compiler.Program, asn policy.ASN) ([]policy.Literal, bool) {
	if live == nil {
		return nil, false
	}
	var (
		out   []policy.Literal
		found bool
	)
	for _, f := range []policy.Family{policy.FamilyV4, policy.FamilyV6} {
		if s := live.Set(compiler.ASNTag(asn, f)); s != nil {
			out = append(out, s.Elements...)
			found = true
		}
	}
	return out, found
}

// checkEnabled fails with ErrDisabled while a disabled ruleset is parked.
// A table that was never loaded does not count as disabled, so the first
// reload installs it.
func (m *Manager) checkEnabled(ctx context.Context) error {
	active, err := m.store.Active(ctx)
	if err != nil {
		return err
	}
	if !active && m.store.Parked() {
		return ErrDisabled
	}
	return nil
}

// Plan compiles the policy and reports what a reload would change.
func (m *Manager) Plan(ctx context.Context) (*compiler.Program, compiler.Plan, error) {
	prog, err := m.Compile(ctx)
	if err != nil {
		return nil, compiler.Plan{}, err
	}
	live, err := m.store.LiveProgram(ctx)
	if err != nil {
		return nil, compiler.Plan{}, err
	}
	if live != nil {
		live = firewall.Canonical(live)
	}
	return prog, compiler.Diff(live, firewall.Canonical(prog)), nil
}

// Enable loads the ruleset parked by Disable. Without one it restores the
// snapshot, and without a snapshot it reloads from scratch.
func (m *Manager) Enable(ctx context.Context) error {
	err := m.store.Enable(ctx)
	switch {
	case err == nil:
	case errors.Is(err, firewall.ErrNothingParked):
		m.logger.Info("nothing parked, restoring snapshot")
		if _, err = m.snaps.Restore(ctx, ""); errors.Is(err, persist.ErrNoSnapshot) {
			m.logger.Info("no snapshot, reloading")
			_, err = m.Reload(ctx)
		}
		if err != nil {
			return err
		}
	default:
		return err
	}
	if err := m.syncLists(ctx); err != nil {
		return fmt.Errorf("filter enabled, but whitelist and attacker edits were not applied: %w", err)
	}
	m.metrics.Enabled.Set(1)
	m.logger.Audit("enable", m.cfg.Table)
	return nil
}

// Disable removes the table and parks it for Enable.
func (m *Manager) Disable(ctx context.Context) error {
	if err := m.store.Disable(ctx); err != nil {
		return err
	}
	m.metrics.Enabled.Set(0)
	m.logger.Audit("disable", m.cfg.Table)
	return nil
}

// syncLists brings the whitelist and attacker sets of the loaded table in
// line with the effective policy. Edits made while the filter was disabled
// were only recorded; this applies them without fetching anything.
func (m *Manager) syncLists(ctx context.Context) error {
	return m.reshape(ctx, func(prog *compiler.Program) error {
		pol, err := m.Policy()
		if err != nil {
			return err
		}
		for tag, lits := range listSets(pol) {
			if s := prog.Set(tag); s != nil {
				s.Elements = lits
			}
		}
		return nil
	})
}

// listSets maps the whitelist and attacker tags to their entries in pol.
func listSets(pol policy.Policy) map[compiler.Tag][]policy.Literal {
	v4w, v6w := policy.SplitFamilies(pol.Whitelist)
	v4a, v6a := policy.SplitFamilies(pol.Attackers)
	return map[compiler.Tag][]policy.Literal{
		compiler.WhitelistTag(policy.FamilyV4): v4w,
		compiler.WhitelistTag(policy.FamilyV6): v6w,
		compiler.AttackersTag(policy.FamilyV4): v4a,
		compiler.AttackersTag(policy.FamilyV6): v6a,
	}
}

func (m *Manager) saveSnapshot(ctx context.Context) {
	if _, err := m.snaps.Snapshot(ctx); err != nil {
		m.logger.Warn("failed to save snapshot", "path", m.snaps.Path(), "error", err)
	}
}
