//go:build linux
// +build linux

package firewall

import (
	"bytes"
	"slices"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/stretchr/testify/mock"
)

// MockNFTablesConn is an in-memory NFTablesConn for testing. Writes are
// queued and committed on Flush like a netlink batch; a failing Flush
// discards the whole batch. Methods only consult the embedded mock when a
// test registered an expectation for them, which is how failures are
// injected:
//
//	conn.On("Flush").Return(errors.New("boom")).Once()
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	tables     map[string]*nftables.Table
	chains     map[string]*nftables.Chain
	sets       map[string]*nftables.Set
	elements   map[string][]nftables.SetElement
	rules      map[string][]*nftables.Rule
	pending    []func()
	nextHandle uint64
	flushes    int
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{
		tables:     make(map[string]*nftables.Table),
		chains:     make(map[string]*nftables.Chain),
		sets:       make(map[string]*nftables.Set),
		elements:   make(map[string][]nftables.SetElement),
		rules:      make(map[string][]*nftables.Rule),
		nextHandle: 1,
	}
}

// AddTableState registers a table as if it had been created by nft.
func (m *MockNFTablesConn) AddTableState(t *nftables.Table) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Name] = t
}

// RemoveTableState drops a table and everything in it.
func (m *MockNFTablesConn) RemoveTableState(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, name)
	for k, c := range m.chains {
		if c.Table.Name == name {
			delete(m.chains, k)
			delete(m.rules, k)
		}
	}
	for k, s := range m.sets {
		if s.Table.Name == name {
			delete(m.sets, k)
			delete(m.elements, k)
		}
	}
}

// AddChainState registers a committed chain.
func (m *MockNFTablesConn) AddChainState(c *nftables.Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[c.Table.Name+"/"+c.Name] = c
}

// AddSetState registers a committed set and its elements.
func (m *MockNFTablesConn) AddSetState(s *nftables.Set, elems []nftables.SetElement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[s.Name] = s
	m.elements[s.Name] = slices.Clone(elems)
}

// AddRuleState appends a committed rule and assigns it a handle.
func (m *MockNFTablesConn) AddRuleState(r *nftables.Rule) *nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Handle = m.nextHandle
	m.nextHandle++
	key := r.Table.Name + "/" + r.Chain.Name
	m.rules[key] = append(m.rules[key], r)
	return r
}

// Elements returns the committed elements of a set.
func (m *MockNFTablesConn) Elements(set string) []nftables.SetElement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.elements[set])
}

// Rules returns the committed rules of a chain.
func (m *MockNFTablesConn) Rules(table, chain string) []*nftables.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rules[table+"/"+chain])
}

// Flushes counts committed batches.
func (m *MockNFTablesConn) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *MockNFTablesConn) expects(method string) bool {
	for _, c := range m.ExpectedCalls {
		if c.Method == method && c.Repeatability > -1 {
			return true
		}
	}
	return false
}

func (m *MockNFTablesConn) ListTables() ([]*nftables.Table, error) {
	if m.expects("ListTables") {
		args := m.Called()
		if args.Get(0) != nil || args.Error(1) != nil {
			tables, _ := args.Get(0).([]*nftables.Table)
			return tables, args.Error(1)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := make([]*nftables.Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	return tables, nil
}

func (m *MockNFTablesConn) ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error) {
	if m.expects("ListChainsOfTableFamily") {
		args := m.Called(family)
		if args.Get(0) != nil || args.Error(1) != nil {
			chains, _ := args.Get(0).([]*nftables.Chain)
			return chains, args.Error(1)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chains := make([]*nftables.Chain, 0, len(m.chains))
	for _, c := range m.chains {
		if c.Table.Family == family {
			chains = append(chains, c)
		}
	}
	return chains, nil
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	if m.expects("AddRule") {
		m.Called(r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, func() {
		key := r.Table.Name + "/" + r.Chain.Name
		r.Handle = m.nextHandle
		m.nextHandle++
		list := m.rules[key]
		at := len(list)
		if r.Position != 0 {
			if i := ruleIndex(list, r.Position); i >= 0 {
				at = i + 1
			}
		}
		m.rules[key] = slices.Insert(list, at, r)
	})
	return r
}

func (m *MockNFTablesConn) InsertRule(r *nftables.Rule) *nftables.Rule {
	if m.expects("InsertRule") {
		m.Called(r)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, func() {
		key := r.Table.Name + "/" + r.Chain.Name
		r.Handle = m.nextHandle
		m.nextHandle++
		list := m.rules[key]
		at := 0
		if r.Position != 0 {
			if i := ruleIndex(list, r.Position); i >= 0 {
				at = i
			}
		}
		m.rules[key] = slices.Insert(list, at, r)
	})
	return r
}

func (m *MockNFTablesConn) DelRule(r *nftables.Rule) error {
	if m.expects("DelRule") {
		if err := m.Called(r).Error(0); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, func() {
		key := r.Table.Name + "/" + r.Chain.Name
		if i := ruleIndex(m.rules[key], r.Handle); i >= 0 {
			m.rules[key] = slices.Delete(m.rules[key], i, i+1)
		}
	})
	return nil
}

func ruleIndex(list []*nftables.Rule, handle uint64) int {
	return slices.IndexFunc(list, func(r *nftables.Rule) bool { return r.Handle == handle })
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	if m.expects("GetRules") {
		args := m.Called(t, c)
		if args.Get(0) != nil || args.Error(1) != nil {
			rules, _ := args.Get(0).([]*nftables.Rule)
			return rules, args.Error(1)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rules[t.Name+"/"+c.Name]), nil
}

func (m *MockNFTablesConn) GetSets(t *nftables.Table) ([]*nftables.Set, error) {
	if m.expects("GetSets") {
		args := m.Called(t)
		if args.Get(0) != nil || args.Error(1) != nil {
			sets, _ := args.Get(0).([]*nftables.Set)
			return sets, args.Error(1)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sets := make([]*nftables.Set, 0, len(m.sets))
	for _, s := range m.sets {
		if s.Table.Name == t.Name {
			sets = append(sets, s)
		}
	}
	slices.SortFunc(sets, func(a, b *nftables.Set) int { return strings.Compare(a.Name, b.Name) })
	return sets, nil
}

func (m *MockNFTablesConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	if m.expects("GetSetElements") {
		args := m.Called(s)
		if args.Get(0) != nil || args.Error(1) != nil {
			elems, _ := args.Get(0).([]nftables.SetElement)
			return elems, args.Error(1)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.elements[s.Name]), nil
}

func (m *MockNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	if m.expects("SetAddElements") {
		if err := m.Called(s, vals).Error(0); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vals = slices.Clone(vals)
	m.pending = append(m.pending, func() {
		m.elements[s.Name] = append(m.elements[s.Name], vals...)
	})
	return nil
}

func (m *MockNFTablesConn) SetDeleteElements(s *nftables.Set, vals []nftables.SetElement) error {
	if m.expects("SetDeleteElements") {
		if err := m.Called(s, vals).Error(0); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	vals = slices.Clone(vals)
	m.pending = append(m.pending, func() {
		m.elements[s.Name] = slices.DeleteFunc(m.elements[s.Name], func(e nftables.SetElement) bool {
			return slices.ContainsFunc(vals, func(v nftables.SetElement) bool {
				return bytes.Equal(v.Key, e.Key) && v.IntervalEnd == e.IntervalEnd
			})
		})
	})
	return nil
}

func (m *MockNFTablesConn) Flush() error {
	if m.expects("Flush") {
		if err := m.Called().Error(0); err != nil {
			m.mu.Lock()
			m.pending = nil
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.pending {
		op()
	}
	m.pending = nil
	m.flushes++
	return nil
}
