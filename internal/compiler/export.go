package compiler

import (
	"fmt"
	"io"
	"strings"

	"grimm.is/geoblock/internal/policy"
)

// RenderIPTables writes the program as an ipset restore file followed by
// iptables-restore and ip6tables-restore fragments. Set names are prefixed
// with the table name so they do not collide with other ipset users.
func RenderIPTables(w io.Writer, prog *Program) error {
	chain := strings.ToUpper(prog.Options.Table)
	hook := strings.ToUpper(prog.Options.Hook)
	name := func(t Tag) string { return prog.Options.Table + "-" + t.SetName() }

	var b strings.Builder
	b.WriteString("# ipset restore\n")
	for _, s := range prog.Sets {
		family := "inet"
		if s.Tag.Family == policy.FamilyV6 {
			family = "inet6"
		}
		fmt.Fprintf(&b, "create %s hash:net family %s -exist\n", name(s.Tag), family)
		fmt.Fprintf(&b, "flush %s\n", name(s.Tag))
		for _, e := range s.Elements {
			fmt.Fprintf(&b, "add %s %s\n", name(s.Tag), e)
		}
	}

	for _, fam := range policy.Families {
		tool := "iptables-restore"
		if fam == policy.FamilyV6 {
			tool = "ip6tables-restore"
		}
		fmt.Fprintf(&b, "\n# %s --noflush\n*filter\n:%s - [0:0]\n", tool, chain)
		fmt.Fprintf(&b, "-F %s\n", chain)
		fmt.Fprintf(&b, "-I %s -j %s\n", hook, chain)
		for _, r := range prog.Rules {
			if r.Tag.Family != fam {
				continue
			}
			target := "DROP"
			if r.Action() == ActionAccept {
				target = "ACCEPT"
			}
			fmt.Fprintf(&b, "-A %s -m set --match-set %s src -m comment --comment %q -j %s\n",
				chain, name(r.Tag), r.Tag.String(), target)
		}
		b.WriteString("COMMIT\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderPF writes the program as a pf.conf fragment. Tables are persistent
// and rules use quick so the first match wins, as in the nftables chain.
func RenderPF(w io.Writer, prog *Program) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s pf.conf fragment\n", prog.Options.Table)
	for _, s := range prog.Sets {
		elems := make([]string, len(s.Elements))
		for i, e := range s.Elements {
			elems[i] = e.String()
		}
		fmt.Fprintf(&b, "table <%s> persist { %s }\n", s.Tag.SetName(), strings.Join(elems, " "))
	}
	b.WriteString("\n")
	for _, r := range prog.Rules {
		af := "inet"
		if r.Tag.Family == policy.FamilyV6 {
			af = "inet6"
		}
		action := "block drop"
		if r.Action() == ActionAccept {
			action = "pass"
		}
		fmt.Fprintf(&b, "%s in quick %s from <%s> label %q\n", action, af, r.Tag.SetName(), r.Tag.String())
	}

	_, err := io.WriteString(w, b.String())
	return err
}
