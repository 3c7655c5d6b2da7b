package firewall

import (
	"fmt"
	"regexp"
	"strings"

	"grimm.is/geoblock/internal/compiler"
	"grimm.is/geoblock/internal/policy"
)

// elementsPerLine bounds "add element" statements so huge country lists do
// not produce multi-megabyte lines.
const elementsPerLine = 512

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nftables scripts for atomic application.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 100),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
}

// DeleteTable removes the table. The declaration before the delete makes the
// statement valid whether or not the table exists.
func (b *ScriptBuilder) DeleteTable() {
	b.AddLine(fmt.Sprintf("table %s %s {}", b.family, b.tableName))
	b.AddLine(fmt.Sprintf("delete table %s %s", b.family, b.tableName))
}

// AddBaseChain adds a chain attached to hook with an accept policy.
func (b *ScriptBuilder) AddBaseChain(name, hook string, priority int) {
	b.AddLine(fmt.Sprintf("add chain %s %s %s { type filter hook %s priority %d; policy accept; }",
		b.family, b.tableName, quote(name), hook, priority))
}

// AddIntervalSet adds an address set that holds networks.
func (b *ScriptBuilder) AddIntervalSet(name, setType string) {
	b.AddLine(fmt.Sprintf("add set %s %s %s { type %s; flags interval; auto-merge; }",
		b.family, b.tableName, quote(name), setType))
}

// FlushSet empties a set.
func (b *ScriptBuilder) FlushSet(name string) {
	b.AddLine(fmt.Sprintf("flush set %s %s %s", b.family, b.tableName, quote(name)))
}

// DeleteSet removes a set. No rule may still reference it.
func (b *ScriptBuilder) DeleteSet(name string) {
	b.AddLine(fmt.Sprintf("delete set %s %s %s", b.family, b.tableName, quote(name)))
}

// AddSetElements adds elements to an existing set.
func (b *ScriptBuilder) AddSetElements(setName string, elements []string) {
	for len(elements) > 0 {
		n := min(len(elements), elementsPerLine)
		b.AddLine(fmt.Sprintf("add element %s %s %s { %s }",
			b.family, b.tableName, quote(setName), strings.Join(elements[:n], ", ")))
		elements = elements[n:]
	}
}

// AddRule appends a rule to a chain.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string, comment string) {
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s%s", b.family, b.tableName, quote(chainName), ruleExpr, commentClause(comment)))
}

// InsertRule places a rule before the rule with the given handle.
func (b *ScriptBuilder) InsertRule(chainName string, before uint64, ruleExpr string, comment string) {
	b.AddLine(fmt.Sprintf("insert rule %s %s %s position %d %s%s",
		b.family, b.tableName, quote(chainName), before, ruleExpr, commentClause(comment)))
}

// DeleteRule removes the rule with the given handle.
func (b *ScriptBuilder) DeleteRule(chainName string, handle uint64) {
	b.AddLine(fmt.Sprintf("delete rule %s %s %s handle %d", b.family, b.tableName, quote(chainName), handle))
}

func commentClause(comment string) string {
	if comment == "" {
		return ""
	}
	return fmt.Sprintf(" comment %q", comment)
}

// Len returns the number of statements.
func (b *ScriptBuilder) Len() int { return len(b.lines) }

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// String returns the script for debugging.
func (b *ScriptBuilder) String() string {
	return b.Build()
}

// ruleExpr is the match and verdict of a tag's rule.
func ruleExpr(tag compiler.Tag) string {
	return fmt.Sprintf("%s @%s counter %s", tag.Family.NftMatch(), tag.SetName(), tag.Action())
}

func literalStrings(lits []policy.Literal) []string {
	out := make([]string, len(lits))
	for i, l := range lits {
		out[i] = l.String()
	}
	return out
}

func validateProgram(prog *compiler.Program) error {
	o := prog.Options
	for _, id := range []string{o.Table, o.Chain, o.Hook} {
		if !isValidIdentifier(id) {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	return compiler.CheckOrder(prog.Rules)
}

// RenderProgram renders prog as a script replacing the whole table in one
// transaction.
func RenderProgram(prog *compiler.Program) (string, error) {
	if err := validateProgram(prog); err != nil {
		return "", err
	}
	o := prog.Options
	sb := NewScriptBuilder(o.Table, "inet")
	sb.DeleteTable()
	sb.AddTable()
	sb.AddBaseChain(o.Chain, o.Hook, o.Priority)

	for _, s := range prog.Sets {
		sb.AddIntervalSet(s.Name(), s.Tag.Family.NftType())
		sb.AddSetElements(s.Name(), literalStrings(s.Elements))
	}
	for _, r := range prog.Rules {
		sb.AddRule(o.Chain, ruleExpr(r.Tag), r.Tag.String())
	}
	return sb.Build(), nil
}

// RenderPlan renders the incremental changes of plan against a table whose
// rules have the given handles. Set contents are replaced by flushing and
// refilling inside the same transaction.
func RenderPlan(prog *compiler.Program, plan compiler.Plan, handles map[compiler.Tag]uint64) (string, error) {
	if plan.Rebuild {
		return RenderProgram(prog)
	}
	if err := validateProgram(prog); err != nil {
		return "", err
	}
	o := prog.Options
	sb := NewScriptBuilder(o.Table, "inet")

	for _, s := range plan.AddSets {
		sb.AddIntervalSet(s.Name(), s.Tag.Family.NftType())
		sb.AddSetElements(s.Name(), literalStrings(s.Elements))
	}
	for _, s := range plan.UpdateSets {
		sb.FlushSet(s.Name())
		sb.AddSetElements(s.Name(), literalStrings(s.Elements))
	}
	for _, ins := range plan.AddRules {
		tag := ins.Rule.Tag
		if ins.Before == nil {
			sb.AddRule(o.Chain, ruleExpr(tag), tag.String())
			continue
		}
		h, ok := handles[*ins.Before]
		if !ok {
			return "", fmt.Errorf("no handle for rule %s", *ins.Before)
		}
		sb.InsertRule(o.Chain, h, ruleExpr(tag), tag.String())
	}
	for _, r := range plan.DropRules {
		h, ok := handles[r.Tag]
		if !ok {
			return "", fmt.Errorf("no handle for rule %s", r.Tag)
		}
		sb.DeleteRule(o.Chain, h)
	}
	for _, s := range plan.DeleteSets {
		sb.DeleteSet(s.Name())
	}
	return sb.Build(), nil
}
