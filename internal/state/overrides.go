package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/policy"
)

// Kind names one policy list that can be changed at runtime.
type Kind string

const (
	KindWhitelist Kind = "whitelist"
	KindAttackers Kind = "attackers"
	KindCountries Kind = "countries"
	KindASNs      Kind = "asns"
)

// Kinds lists every runtime-mutable policy list.
var Kinds = []Kind{KindWhitelist, KindAttackers, KindCountries, KindASNs}

func (k Kind) bucket() string { return "policy_" + string(k) }

// Override is a runtime addition to, or removal from, the configured policy.
// A removed override shadows an entry of the configuration file.
type Override struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Value     string    `json:"value"`
	Removed   bool      `json:"removed,omitempty"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Overrides is typed access to the policy override buckets.
type Overrides struct {
	store Store
}

// NewOverrides creates the override buckets if needed.
func NewOverrides(store Store) (*Overrides, error) {
	for _, k := range Kinds {
		if err := EnsureBucket(store, k.bucket()); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", k.bucket(), err)
		}
	}
	return &Overrides{store: store}, nil
}

// Normalize returns the canonical form of value for kind, so "10.0.0.5" and
// "10.0.0.5/32" name the same override.
func Normalize(kind Kind, value string) (string, error) {
	switch kind {
	case KindWhitelist, KindAttackers:
		l, err := policy.ParseLiteral(value)
		if err != nil {
			return "", err
		}
		return l.String(), nil
	case KindCountries:
		return policy.NormalizeCountry(value)
	case KindASNs:
		a, err := policy.ParseASN(value)
		if err != nil {
			return "", err
		}
		return a.String(), nil
	}
	return "", fmt.Errorf("unknown override kind %q", kind)
}

// Add records value as present and returns the previous override, if any, so
// a failed live change can be rolled back with Restore.
func (o *Overrides) Add(kind Kind, value, note string) (prev *Override, err error) {
	return o.put(kind, value, false, note)
}

// Remove records value as absent.
func (o *Overrides) Remove(kind Kind, value, note string) (prev *Override, err error) {
	return o.put(kind, value, true, note)
}

func (o *Overrides) put(kind Kind, value string, removed bool, note string) (*Override, error) {
	key, err := Normalize(kind, value)
	if err != nil {
		return nil, err
	}
	prev, err := o.Get(kind, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	ov := Override{
		ID:        uuid.NewString(),
		Kind:      kind,
		Value:     key,
		Removed:   removed,
		Note:      note,
		UpdatedAt: clock.Now().UTC(),
	}
	if err := o.store.SetJSON(kind.bucket(), key, ov); err != nil {
		return nil, err
	}
	return prev, nil
}

// Restore puts back prev (as returned by Add or Remove) for kind/value,
// deleting the override when prev is nil.
func (o *Overrides) Restore(kind Kind, value string, prev *Override) error {
	key, err := Normalize(kind, value)
	if err != nil {
		return err
	}
	if prev == nil {
		if err := o.store.Delete(kind.bucket(), key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
	return o.store.SetJSON(kind.bucket(), key, prev)
}

// Get returns the override for value, or ErrNotFound.
func (o *Overrides) Get(kind Kind, value string) (*Override, error) {
	key, err := Normalize(kind, value)
	if err != nil {
		return nil, err
	}
	var ov Override
	if err := o.store.GetJSON(kind.bucket(), key, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// List returns all overrides of kind sorted by value.
func (o *Overrides) List(kind Kind) ([]Override, error) {
	raw, err := o.store.List(kind.bucket())
	if err != nil {
		return nil, err
	}
	out := make([]Override, 0, len(raw))
	for _, data := range raw {
		var ov Override
		if err := json.Unmarshal(data, &ov); err != nil {
			return nil, fmt.Errorf("decode %s override: %w", kind, err)
		}
		out = append(out, ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// Merge layers the stored overrides on top of base and returns the effective
// policy document. Entries of base that fail to normalize are passed through
// so policy validation reports them.
func (o *Overrides) Merge(base policy.Document) (policy.Document, error) {
	var err error
	out := policy.Document{}
	if out.Whitelist, err = o.mergeKind(KindWhitelist, base.Whitelist); err != nil {
		return out, err
	}
	if out.Attackers, err = o.mergeKind(KindAttackers, base.Attackers); err != nil {
		return out, err
	}
	if out.Countries, err = o.mergeKind(KindCountries, base.Countries); err != nil {
		return out, err
	}
	if out.ASNs, err = o.mergeKind(KindASNs, base.ASNs); err != nil {
		return out, err
	}
	return out, nil
}

func (o *Overrides) mergeKind(kind Kind, base []string) ([]string, error) {
	ovs, err := o.List(kind)
	if err != nil {
		return nil, err
	}
	removed := make(map[string]bool)
	for _, ov := range ovs {
		if ov.Removed {
			removed[ov.Value] = true
		}
	}

	var out []string
	for _, v := range base {
		key, err := Normalize(kind, v)
		if err != nil {
			out = append(out, v)
			continue
		}
		if !removed[key] && !slices.Contains(out, key) {
			out = append(out, key)
		}
	}
	for _, ov := range ovs {
		if !ov.Removed && !slices.Contains(out, ov.Value) {
			out = append(out, ov.Value)
		}
	}
	return out, nil
}
