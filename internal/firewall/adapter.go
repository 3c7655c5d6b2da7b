//go:build linux

package firewall

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/nftables"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/config"
	"grimm.is/geoblock/internal/logging"
	"grimm.is/geoblock/internal/metrics"
	"grimm.is/geoblock/internal/policy"
	"grimm.is/geoblock/internal/retry"
)

// Options configures an Adapter.
type Options struct {
	Table string
	Chain string
	// Timeout bounds every operation, lock wait included. Zero means no
	// limit beyond the caller's context.
	Timeout  time.Duration
	LockPath string
	// ParkFile holds the ruleset while the filter is disabled.
	ParkFile string
	// ReadRetry governs how queries ride out a busy ruleset.
	ReadRetry retry.Config
}

// DefaultReadRetry retries busy reads a few times with short backoff.
func DefaultReadRetry() retry.Config {
	return retry.Config{
		MaxAttempts:   5,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		RetryOn:       []error{ErrBusy},
	}
}

// OptionsFromConfig derives adapter options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Table:     cfg.Table,
		Chain:     cfg.Chain,
		Timeout:   cfg.OpTimeout(),
		LockPath:  brand.GetLockPath(),
		ParkFile:  filepath.Join(cfg.StateDir, "parked.nft"),
		ReadRetry: DefaultReadRetry(),
	}
}

// Adapter is the filter store: it owns one inet table holding the compiled
// sets and their rules. Whole-program changes go through nft scripts, which
// the kernel applies as single transactions. Element and rule edits go
// through netlink batches. Writers are serialized in-process and across
// processes; readers only wait for in-process writers.
type Adapter struct {
	conn    NFTablesConn
	runner  CommandRunner
	applier *AtomicApplier
	lock    *FileLock
	opts    Options

	mu      sync.RWMutex
	logger  *logging.Logger
	metrics *metrics.Registry
	clock   clock.Clock
}

// NewAdapter creates an adapter over conn and runner.
func NewAdapter(conn NFTablesConn, runner CommandRunner, opts Options, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.LockPath == "" {
		opts.LockPath = brand.GetLockPath()
	}
	if opts.ParkFile == "" {
		opts.ParkFile = filepath.Join(brand.GetStateDir(), "parked.nft")
	}
	return &Adapter{
		conn:    conn,
		runner:  runner,
		applier: NewAtomicApplier(runner, opts.Table),
		lock:    NewFileLock(opts.LockPath),
		opts:    opts,
		logger:  logger.WithComponent("firewall"),
		clock:   clock.Default(),
	}
}

// Open connects to the kernel and returns an adapter configured from cfg.
func Open(cfg *config.Config, logger *logging.Logger) (*Adapter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink connection: %w", err)
	}
	return NewAdapter(NewRealNFTablesConn(conn), DefaultCommandRunner, OptionsFromConfig(cfg), logger), nil
}

// WithMetrics records apply outcomes in reg.
func (a *Adapter) WithMetrics(reg *metrics.Registry) *Adapter {
	a.metrics = reg
	return a
}

// WithClock replaces the clock used for lock polling and read backoff.
func (a *Adapter) WithClock(c clock.Clock) *Adapter {
	a.clock = c
	a.lock.WithClock(c)
	return a
}

// Table returns the name of the managed table.
func (a *Adapter) Table() string { return a.opts.Table }

func (a *Adapter) table() *nftables.Table {
	return &nftables.Table{Name: a.opts.Table, Family: nftables.TableFamilyINet}
}

func (a *Adapter) chain() *nftables.Chain {
	return &nftables.Chain{Name: a.opts.Chain, Table: a.table()}
}

func (a *Adapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.opts.Timeout)
}

// write runs fn holding both writer locks.
func (a *Adapter) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.lock.Lock(ctx); err != nil {
		return err
	}
	defer a.lock.Unlock()
	return fn(ctx)
}

// read runs fn, retrying while the ruleset is busy.
func read[T any](ctx context.Context, a *Adapter, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg := a.opts.ReadRetry
	if cfg.Clock == nil {
		cfg.Clock = a.clock
	}
	return retry.DoWithResult(ctx, cfg, fn)
}

// call runs a netlink query, giving up when ctx is done.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, busy(r.err)
	}
}

// commit queues a batch with queue and flushes it. A failed flush leaves
// the kernel untouched. The deadline is only checked before queueing: once
// queued, the batch is flushed to completion with the locks held, so the
// caller always learns whether it was committed.
func (a *Adapter) commit(ctx context.Context, queue func() error) error {
	if err := ctx.Err(); err != nil {
		return &ApplyError{Stage: "commit", Err: err}
	}
	err := queue()
	if err == nil {
		err = a.conn.Flush()
	}
	if err != nil {
		return &ApplyError{Stage: "commit", Err: busy(err)}
	}
	return nil
}

// Apply makes the kernel enforce prog. A missing table is created whole.
// Otherwise the live table is diffed against prog and only the changed sets
// and rules are touched; a change of chain options or of the relative rule
// order rebuilds the table. Either way the change is one transaction, and on
// failure the previous ruleset stays in force.
func (a *Adapter) Apply(ctx context.Context, prog *compiler.Program) (ApplyResult, error) {
	return a.Update(ctx, func(*compiler.Program) (*compiler.Program, error) { return prog, nil })
}

// Update applies the program build derives from the live one, which is nil
// while the table is not loaded. build runs holding the writer locks, so no
// other writer can change the table between the read and the apply. It
// must not call back into the adapter.
func (a *Adapter) Update(ctx context.Context, build func(live *compiler.Program) (*compiler.Program, error)) (ApplyResult, error) {
	var (
		res  ApplyResult
		want *compiler.Program
	)
	start := a.clock.Now()

	err := a.write(ctx, func(ctx context.Context) error {
		cur, handles, err := a.live(ctx)
		if err != nil {
			return err
		}
		var base *compiler.Program
		if cur != nil {
			base = Canonical(cur)
		}
		prog, err := build(base)
		if err != nil {
			return err
		}
		want = Canonical(prog)

		plan := compiler.Diff(cur, want)
		res.Changed = plan.Changed()
		var script string
		switch {
		case cur == nil:
			res.Mode = ModeFull
			script, err = RenderProgram(want)
		case plan.Empty():
			res.Mode = ModeNoop
			return nil
		case plan.Rebuild:
			res.Mode = ModeFull
			script, err = RenderProgram(want)
		default:
			res.Mode = ModeIncremental
			script, err = RenderPlan(want, plan, handles)
		}
		if err != nil {
			return &ApplyError{Stage: "render", Err: err}
		}
		return a.applier.ApplyAtomically(ctx, script)
	})

	if a.metrics != nil {
		a.metrics.ObserveApply(string(res.Mode), a.clock.Since(start), err)
	}
	if err != nil {
		a.logger.Error("ruleset apply failed", "mode", res.Mode, "error", err)
		return ApplyResult{}, err
	}
	a.logger.Info("ruleset applied", "mode", res.Mode, "changed", len(res.Changed), "hash", want.Hash()[:12])
	return res, nil
}

// AddElement adds lit to the set of tag. Literals already covered are a
// no-op; overlapping or adjacent intervals are merged in the same batch.
func (a *Adapter) AddElement(ctx context.Context, tag compiler.Tag, lit policy.Literal) error {
	if lit.Family() != tag.Family {
		return fmt.Errorf("%w: %s does not belong in %s", policy.ErrInvalidLiteral, lit, tag)
	}
	return a.write(ctx, func(ctx context.Context) error {
		s, err := a.findSet(ctx, tag)
		if err != nil {
			return err
		}
		r := RangeFromLiteral(lit)
		if s.ranges.Covers(r) {
			return nil
		}
		touching := s.ranges.Touching(r)
		merged := mergeRanges(append(touching, r)).ranges[0]

		err = a.commit(ctx, func() error {
			if len(touching) > 0 {
				if err := a.conn.SetDeleteElements(s.set, rangesElements(touching)); err != nil {
					return err
				}
			}
			return a.conn.SetAddElements(s.set, rangeElements(merged))
		})
		if err != nil {
			return err
		}
		a.logger.Debug("element added", "set", tag.String(), "element", lit.String())
		return nil
	})
}

// RemoveElement removes the addresses of lit from the set of tag. It fails
// with ErrNotFound unless one interval of the set covers all of lit.
func (a *Adapter) RemoveElement(ctx context.Context, tag compiler.Tag, lit policy.Literal) error {
	return a.write(ctx, func(ctx context.Context) error {
		s, err := a.findSet(ctx, tag)
		if err != nil {
			return err
		}
		r := RangeFromLiteral(lit)
		holder, ok := s.ranges.Find(r.First)
		if lit.Family() != tag.Family || !ok || r.Last.Compare(holder.Last) > 0 {
			return notFound("%s in %s", lit, tag)
		}
		rest := RangeSet{ranges: []Range{holder}}.Subtract(r)

		err = a.commit(ctx, func() error {
			if err := a.conn.SetDeleteElements(s.set, rangeElements(holder)); err != nil {
				return err
			}
			if rest.Len() == 0 {
				return nil
			}
			return a.conn.SetAddElements(s.set, rangesElements(rest.ranges))
		})
		if err != nil {
			return err
		}
		a.logger.Debug("element removed", "set", tag.String(), "element", lit.String())
		return nil
	})
}

// InsertRule adds the rule for tag at position pos of the chain, or where
// it belongs when pos is negative. The set must exist. A rule already in
// place is left alone, and positions that would break tier order are
// rejected.
func (a *Adapter) InsertRule(ctx context.Context, pos int, tag compiler.Tag) error {
	return a.write(ctx, func(ctx context.Context) error {
		s, err := a.findSet(ctx, tag)
		if err != nil {
			return err
		}
		live, err := a.liveRules(ctx)
		if err != nil {
			return err
		}
		rules := make([]compiler.Rule, len(live))
		for i, r := range live {
			if r.tag == tag {
				return nil
			}
			rules[i] = compiler.Rule{Tag: r.tag}
		}

		if pos < 0 {
			pos = compiler.PositionFor(rules, tag)
		}
		if pos > len(rules) {
			return fmt.Errorf("rule position %d out of range (0-%d)", pos, len(rules))
		}
		if err := compiler.CheckOrder(slices.Insert(rules, pos, compiler.Rule{Tag: tag})); err != nil {
			return fmt.Errorf("rule position %d: %w", pos, err)
		}

		rule := buildTagRule(a.table(), a.chain(), s.set, tag)
		return a.commit(ctx, func() error {
			if pos < len(live) {
				rule.Position = live[pos].rule.Handle
				a.conn.InsertRule(rule)
				return nil
			}
			a.conn.AddRule(rule)
			return nil
		})
	})
}

// RemoveRule deletes the rule for tag. The set stays.
func (a *Adapter) RemoveRule(ctx context.Context, tag compiler.Tag) error {
	return a.write(ctx, func(ctx context.Context) error {
		if ok, err := a.tableExists(ctx); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("rule %s: %w: %w", tag, ErrNotFound, ErrNotLoaded)
		}
		live, err := a.liveRules(ctx)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(live, func(r liveRule) bool { return r.tag == tag })
		if i < 0 {
			return notFound("rule %s", tag)
		}
		return a.commit(ctx, func() error {
			return a.conn.DelRule(live[i].rule)
		})
	})
}
