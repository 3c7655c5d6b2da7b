// Package persist saves the live ruleset to a file that the same tool can
// load again after a reboot, and restores it with a dry run first.
//
// A snapshot is a plain nft script preceded by one header comment:
//
//	# geoblock snapshot v1 id=<uuid> table=geoblock created=2026-01-02T15:04:05Z sha256=<hex>
//
// The checksum covers the script body, so a truncated or hand-edited file is
// refused instead of being half-loaded. Since the header is an nft comment,
// `nft -f` accepts the file as is.
package persist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"grimm.is/geoblock/internal/brand"
	"grimm.is/geoblock/internal/clock"
	"grimm.is/geoblock/internal/fsutil"
	"grimm.is/geoblock/internal/logging"
)

const formatVersion = "1"

var (
	// ErrCorruptSnapshot is returned for a snapshot whose header is missing
	// or whose body does not match the recorded checksum.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
	// ErrNoSnapshot is returned when the snapshot file does not exist.
	ErrNoSnapshot = errors.New("no snapshot")
)

// headerRegex parses the first line of a snapshot:
// # <brand> snapshot v<version> id=<uuid> table=<name> created=<rfc3339> sha256=<hex>
var headerRegex = regexp.MustCompile(`^# (\S+) snapshot v(\d+) id=(\S+) table=(\S+) created=(\S+) sha256=([a-f0-9]{64})$`)

// Header identifies a snapshot.
type Header struct {
	Version   string    `json:"version" yaml:"version"`
	ID        string    `json:"id" yaml:"id"`
	Table     string    `json:"table" yaml:"table"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Checksum  string    `json:"sha256" yaml:"sha256"`
}

func (h Header) String() string {
	return fmt.Sprintf("# %s snapshot v%s id=%s table=%s created=%s sha256=%s",
		brand.LowerName, h.Version, h.ID, h.Table, h.CreatedAt.UTC().Format(time.RFC3339), h.Checksum)
}

// Snapshot is a header plus the nft script it describes.
type Snapshot struct {
	Header Header
	Script string
}

// New wraps script in a fresh header.
func New(table, script string, now time.Time) *Snapshot {
	return &Snapshot{
		Header: Header{
			Version:   formatVersion,
			ID:        uuid.NewString(),
			Table:     table,
			CreatedAt: now.UTC().Truncate(time.Second),
			Checksum:  checksum(script),
		},
		Script: script,
	}
}

// Encode renders the snapshot file.
func (s *Snapshot) Encode() []byte {
	var b strings.Builder
	b.WriteString(s.Header.String())
	b.WriteByte('\n')
	b.WriteString(s.Script)
	return []byte(b.String())
}

// Decode parses a snapshot file and verifies its checksum.
func Decode(data []byte) (*Snapshot, error) {
	line, body, ok := strings.Cut(string(data), "\n")
	if !ok {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptSnapshot)
	}
	m := headerRegex.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, fmt.Errorf("%w: unrecognised header %q", ErrCorruptSnapshot, line)
	}
	if m[2] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %s", ErrCorruptSnapshot, m[2])
	}
	created, err := time.Parse(time.RFC3339, m[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %w", ErrCorruptSnapshot, err)
	}
	if sum := checksum(body); sum != m[6] {
		return nil, fmt.Errorf("%w: checksum mismatch (have %.12s, want %.12s)", ErrCorruptSnapshot, sum, m[6])
	}
	return &Snapshot{
		Header: Header{Version: m[2], ID: m[3], Table: m[4], CreatedAt: created, Checksum: m[6]},
		Script: body,
	}, nil
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Store is the part of the filter store a Snapshotter needs.
type Store interface {
	Table() string
	Dump(ctx context.Context) (string, error)
	CheckScript(ctx context.Context, script string) error
	Restore(ctx context.Context, script string) error
}

// Snapshotter saves and restores the ruleset of one filter store.
type Snapshotter struct {
	path   string
	store  Store
	clock  clock.Clock
	logger *logging.Logger
}

// NewSnapshotter creates a snapshotter writing to path.
func NewSnapshotter(path string, store Store, logger *logging.Logger) *Snapshotter {
	if logger == nil {
		logger = logging.Default()
	}
	return &Snapshotter{path: path, store: store, clock: clock.Default(), logger: logger.WithComponent("persist")}
}

// WithClock replaces the clock used for header timestamps.
func (s *Snapshotter) WithClock(c clock.Clock) *Snapshotter {
	s.clock = c
	return s
}

// Path returns the snapshot file.
func (s *Snapshotter) Path() string { return s.path }

// Snapshot captures the live ruleset and saves it.
func (s *Snapshotter) Snapshot(ctx context.Context) (*Snapshot, error) {
	script, err := s.store.Dump(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dump ruleset: %w", err)
	}
	snap := New(s.store.Table(), script, s.clock.Now())
	if err := s.Save(snap); err != nil {
		return nil, err
	}
	s.logger.Debug("snapshot saved", "path", s.path, "id", snap.Header.ID)
	return snap, nil
}

// Save writes snap to the snapshot file.
func (s *Snapshotter) Save(snap *Snapshot) error {
	if err := fsutil.WriteFileAtomic(s.path, snap.Encode(), 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file.
func (s *Snapshotter) Load() (*Snapshot, error) {
	return LoadFile(s.path)
}

// LoadFile reads and verifies a snapshot file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	if err != nil {
		return nil, err
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return snap, nil
}

// Restore loads the snapshot at path (the default file when empty),
// dry-runs it and only then applies it. A snapshot that fails the dry run
// leaves the live ruleset untouched.
func (s *Snapshotter) Restore(ctx context.Context, path string) (*Snapshot, error) {
	if path == "" {
		path = s.path
	}
	snap, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if snap.Header.Table != s.store.Table() {
		return nil, fmt.Errorf("%w: snapshot is for table %q, not %q", ErrCorruptSnapshot, snap.Header.Table, s.store.Table())
	}
	if err := s.store.CheckScript(ctx, snap.Script); err != nil {
		return nil, fmt.Errorf("snapshot %s failed validation: %w", snap.Header.ID, err)
	}
	if err := s.store.Restore(ctx, snap.Script); err != nil {
		return nil, err
	}
	s.logger.Audit("restore", path, "id", snap.Header.ID, "created", snap.Header.CreatedAt)
	return snap, nil
}
