// Package firewall is the filter store: it keeps a compiled program loaded
// in one nftables inet table and answers questions about what is loaded.
//
// # Architecture
//
//	Program → RenderProgram / RenderPlan → nft script → AtomicApplier → Kernel
//	AddElement / InsertRule / ...        → netlink batch (NFTablesConn) → Kernel
//
// Whole-program changes are rendered as nft scripts and applied with
// nft -f, which the kernel runs as one transaction: either every statement
// lands or none does. When the table already exists only the difference is
// rendered, so changing one country list refills that country's set and
// leaves every other set and rule alone.
//
// Single elements and rules are edited over netlink with
// github.com/google/nftables, again committed as one batch per operation.
//
// # Key Types
//
//   - [Adapter]: the filter store
//   - [ScriptBuilder]: fluent builder for nftables scripts
//   - [AtomicApplier]: validates and applies scripts via nft -f
//   - [RangeSet]: the merged interval view of a set, used for membership
//     and for comparing element lists the way the kernel stores them
//
// # Concurrency
//
// Writers hold an in-process mutex and a flock on the lock file for the
// whole read-modify-write cycle. Readers take only the in-process read lock
// and retry with backoff when the kernel reports the ruleset busy.
package firewall
