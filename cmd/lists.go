package cmd

import (
	"context"
	"fmt"
	"os"

	"grimm.is/geoblock/internal/manager"
)

// ListOp names a runtime list edit.
type ListOp string

const (
	OpAddWhitelist    ListOp = "add-whitelist"
	OpRemoveWhitelist ListOp = "remove-whitelist"
	OpBlockAddress    ListOp = "block-address"
	OpUnblock         ListOp = "unblock"
	OpBlockASN        ListOp = "block-asn"
	OpUnblockASN      ListOp = "unblock-asn"
)

type editFunc func(m *manager.Manager, ctx context.Context, raw string, opts manager.MutateOptions) (*manager.MutationResult, error)

var listOps = map[ListOp]editFunc{
	OpAddWhitelist:    (*manager.Manager).AddWhitelist,
	OpRemoveWhitelist: (*manager.Manager).RemoveWhitelist,
	OpBlockAddress:    (*manager.Manager).BlockAddress,
	OpUnblock:         (*manager.Manager).Unblock,
	OpBlockASN:        (*manager.Manager).BlockASN,
	OpUnblockASN:      (*manager.Manager).UnblockASN,
}

// RunListEdit applies one whitelist, attacker or AS edit. The edit is
// recorded in the state store so it outlives reloads and restarts.
func RunListEdit(configFile string, op ListOp, value string, opts manager.MutateOptions, format string) error {
	edit, ok := listOps[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}

	s, err := openSession(configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()

	res, err := edit(s.mgr, ctx, value, opts)
	if err != nil {
		return err
	}
	if handled, err := writeStructured(os.Stdout, format, res); handled {
		return err
	}
	printMutation(res)
	return nil
}

func printMutation(res *manager.MutationResult) {
	verb := map[string]string{
		string(OpAddWhitelist):    "Whitelisted",
		string(OpRemoveWhitelist): "Removed from whitelist",
		string(OpBlockAddress):    "Blocked",
		string(OpUnblock):         "Unblocked",
		string(OpBlockASN):        "Blocked",
		string(OpUnblockASN):      "Unblocked",
	}[res.Op]
	if verb == "" {
		verb = res.Op
	}

	switch {
	case res.DryRun:
		Printer.Printf("%s %s %s\n", paint(styleMuted, "would be"), verb, res.Value)
	case res.Live:
		Printer.Printf("%s %s\n", paint(styleGood, verb), res.Value)
	default:
		Printer.Printf("%s %s %s\n", paint(styleWarn, verb), res.Value, paint(styleMuted, "(filtering disabled; applies on enable)"))
	}
	if res.Ranges > 0 {
		Printer.Printf("  %d ranges\n", res.Ranges)
	}
}
