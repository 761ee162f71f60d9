package firewall

import (
	"strings"
	"sync"
)

// FakeTable is an in-memory Table that renders rules the way iptables -S
// does.
type FakeTable struct {
	mu    sync.Mutex
	rules map[string][]string
}

// NewFakeTable returns an empty fake.
func NewFakeTable() *FakeTable {
	return &FakeTable{rules: make(map[string][]string)}
}

func key(table, chain string) string { return table + "/" + chain }

func (f *FakeTable) AppendUnique(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(rulespec, " ")
	for _, r := range f.rules[key(table, chain)] {
		if r == line {
			return nil
		}
	}
	f.rules[key(table, chain)] = append(f.rules[key(table, chain)], line)
	return nil
}

func (f *FakeTable) Exists(table, chain string, rulespec ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(rulespec, " ")
	for _, r := range f.rules[key(table, chain)] {
		if r == line {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeTable) Delete(table, chain string, rulespec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(rulespec, " ")
	rules := f.rules[key(table, chain)]
	for i, r := range rules {
		if r == line {
			f.rules[key(table, chain)] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *FakeTable) List(table, chain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{"-P " + chain + " DROP"}
	for _, r := range f.rules[key(table, chain)] {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

// Len returns the number of rules in table/chain.
func (f *FakeTable) Len(table, chain string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules[key(table, chain)])
}
