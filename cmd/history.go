package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"grimm.is/geoblock/internal/state"
)

// historyEntry is one row of `history`.
type historyEntry struct {
	Time  string `json:"time" yaml:"time"`
	Kind  string `json:"kind" yaml:"kind"`
	Value string `json:"value" yaml:"value"`
	Op    string `json:"op" yaml:"op"`
	Note  string `json:"note,omitempty" yaml:"note,omitempty"`
}

// RunHistory lists the newest runtime policy edits.
func RunHistory(configFile string, limit int, format string) error {
	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	changes, err := s.mgr.History(limit)
	if err != nil {
		return err
	}
	entries := make([]historyEntry, 0, len(changes))
	for _, c := range changes {
		entries = append(entries, toHistoryEntry(c))
	}

	if handled, err := writeStructured(os.Stdout, format, entries); handled {
		return err
	}
	if len(entries) == 0 {
		Printer.Println("No runtime changes recorded.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tOP\tVALUE\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Time, e.Kind, e.Op, e.Value, e.Note)
	}
	return w.Flush()
}

func toHistoryEntry(c state.Change) historyEntry {
	e := historyEntry{
		Time:  c.Timestamp.Local().Format("2006-01-02 15:04:05"),
		Kind:  strings.TrimPrefix(c.Bucket, "policy_"),
		Value: c.Key,
		Op:    string(c.Type),
	}
	var o state.Override
	if len(c.Value) > 0 && json.Unmarshal(c.Value, &o) == nil {
		e.Value = o.Value
		e.Note = o.Note
		if o.Removed {
			e.Op = "remove"
		} else {
			e.Op = "add"
		}
	}
	return e
}
