// Package firewall installs the FORWARD accept rules that let bridged
// experiment traffic through hosts whose default forward policy drops it.
// Every rule carries a comment naming the experiment tag so leftovers can be
// found after a crash.
package firewall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
)

const (
	TableFilter  = "filter"
	ChainForward = "FORWARD"
)

// ErrNotFound is returned when removing a rule that is not installed.
var ErrNotFound = errors.New("firewall rule not found")

// Table is the subset of go-iptables the manager uses.
type Table interface {
	AppendUnique(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

// NewIPTables returns the host's IPv4 iptables.
func NewIPTables() (Table, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	return ipt, nil
}

// Rule is one installed accept rule.
type Rule struct {
	Bridge string
	Tag    string
}

// Manager adds and removes tagged rules.
type Manager struct {
	table Table
}

// NewManager wraps table.
func NewManager(table Table) *Manager {
	return &Manager{table: table}
}

// RuleSpec returns the iptables arguments for bridge tagged with tag.
func RuleSpec(bridge, tag string) []string {
	return []string{
		"-i", bridge, "-o", bridge,
		"-m", "comment", "--comment", naming.Prefix + ":" + tag,
		"-j", "ACCEPT",
	}
}

// Allow installs the accept rule for bridge. It is a no-op if the rule is
// already present.
func (m *Manager) Allow(r Rule) error {
	if err := m.table.AppendUnique(TableFilter, ChainForward, RuleSpec(r.Bridge, r.Tag)...); err != nil {
		return fmt.Errorf("allow forwarding on %s: %w", r.Bridge, err)
	}
	return nil
}

// Remove deletes the accept rule for bridge, returning ErrNotFound if it is
// not installed.
func (m *Manager) Remove(r Rule) error {
	spec := RuleSpec(r.Bridge, r.Tag)
	ok, err := m.table.Exists(TableFilter, ChainForward, spec...)
	if err != nil {
		return fmt.Errorf("check forwarding rule on %s: %w", r.Bridge, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.Bridge)
	}
	if err := m.table.Delete(TableFilter, ChainForward, spec...); err != nil {
		return fmt.Errorf("remove forwarding rule on %s: %w", r.Bridge, err)
	}
	return nil
}

// Discover lists every installed rule carrying a harness comment.
func (m *Manager) Discover() ([]Rule, error) {
	lines, err := m.table.List(TableFilter, ChainForward)
	if err != nil {
		return nil, fmt.Errorf("list %s rules: %w", ChainForward, err)
	}
	var rules []Rule
	for _, line := range lines {
		if r, ok := parseRule(line); ok {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// parseRule reads a line in iptables -S format, e.g.
//
//	-A FORWARD -i znb... -o znb... -m comment --comment zn:abc123 -j ACCEPT
func parseRule(line string) (Rule, bool) {
	fields := strings.Fields(line)
	var r Rule
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "-i":
			r.Bridge = fields[i+1]
		case "--comment":
			tag, ok := naming.CommentTag(fields[i+1])
			if !ok {
				return Rule{}, false
			}
			r.Tag = tag
		}
	}
	if r.Bridge == "" || r.Tag == "" {
		return Rule{}, false
	}
	return r, true
}
