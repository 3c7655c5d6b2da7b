//go:build linux
// +build linux

package firewall

import (
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/policy"
)

// buildSetMatch loads the packet's source address into register 1 and looks
// it up in set. The NFPROTO check keeps v4 rules from matching v6 packets in
// the inet table.
func buildSetMatch(set *nftables.Set, family policy.Family) []expr.Any {
	proto, offset, length := byte(unix.NFPROTO_IPV4), uint32(12), uint32(4)
	if family == policy.FamilyV6 {
		proto, offset, length = byte(unix.NFPROTO_IPV6), 8, 16
	}

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     []byte{proto},
		},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Lookup{
			SourceRegister: 1,
			SetName:        set.Name,
			SetID:          set.ID,
		},
	}
}

// buildTagRule builds the rule enforcing tag's set. The tag is stored as
// the rule comment, which is what nft shows and what ruleTag reads back.
func buildTagRule(table *nftables.Table, chain *nftables.Chain, set *nftables.Set, tag compiler.Tag) *nftables.Rule {
	verdict := expr.VerdictDrop
	if tag.Action() == compiler.ActionAccept {
		verdict = expr.VerdictAccept
	}

	exprs := buildSetMatch(set, tag.Family)
	exprs = append(exprs,
		&expr.Counter{},
		&expr.Verdict{Kind: verdict},
	)

	return &nftables.Rule{
		Table:    table,
		Chain:    chain,
		Exprs:    exprs,
		UserData: userdata.AppendString(nil, userdata.TypeComment, tag.String()),
	}
}

// ruleTag returns the tag a rule enforces. Rules without a tag comment
// were not written by us.
func ruleTag(r *nftables.Rule) (compiler.Tag, bool) {
	comment, ok := userdata.GetString(r.UserData, userdata.TypeComment)
	if !ok {
		return compiler.Tag{}, false
	}
	tag, err := compiler.ParseTag(strings.TrimRight(comment, "\x00"))
	if err != nil {
		return compiler.Tag{}, false
	}
	return tag, true
}

func ruleCounters(r *nftables.Rule) (packets, bytes uint64) {
	for _, e := range r.Exprs {
		if c, ok := e.(*expr.Counter); ok {
			return c.Packets, c.Bytes
		}
	}
	return 0, 0
}

func ruleAction(r *nftables.Rule) compiler.Action {
	for _, e := range r.Exprs {
		if v, ok := e.(*expr.Verdict); ok && v.Kind == expr.VerdictAccept {
			return compiler.ActionAccept
		}
	}
	return compiler.ActionDrop
}
