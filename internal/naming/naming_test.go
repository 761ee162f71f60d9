package naming

import (
	"testing"
)

func TestPairNamesAreDistinctAndBounded(t *testing.T) {
	s := New("three-node")
	seen := make(map[string]string)
	for node := 0; node < 3; node++ {
		for inc := 0; inc < 2; inc++ {
			p, err := s.Pair(node, inc)
			if err != nil {
				t.Fatalf("Pair(%d, %d): %v", node, inc, err)
			}
			for _, name := range p.Names() {
				if len(name) > MaxInterfaceName {
					t.Fatalf("name %q is %d bytes, want <= %d", name, len(name), MaxInterfaceName)
				}
				key := name
				if prev, ok := seen[key]; ok {
					t.Fatalf("name %q derived twice (%s and node=%d inc=%d)", name, prev, node, inc)
				}
				seen[key] = name
				tag, ok := InterfaceTag(name)
				if !ok {
					t.Fatalf("InterfaceTag(%q) did not match the naming pattern", name)
				}
				if tag != s.Tag {
					t.Fatalf("InterfaceTag(%q) = %q, want %q", name, tag, s.Tag)
				}
			}
		}
	}
	if len(seen) != 3*2*4 {
		t.Fatalf("got %d distinct names, want %d", len(seen), 3*2*4)
	}
}

func TestNamesAreStable(t *testing.T) {
	a, err := New("exp").Interface(RoleTap, 7, 11)
	if err != nil {
		t.Fatalf("Interface: %v", err)
	}
	b, err := New("exp").Interface(RoleTap, 7, 11)
	if err != nil {
		t.Fatalf("Interface: %v", err)
	}
	if a != b {
		t.Fatalf("names differ across calls: %q vs %q", a, b)
	}
	if len(a) != MaxInterfaceName {
		t.Fatalf("len(%q) = %d, want %d", a, len(a), MaxInterfaceName)
	}
}

func TestDistinctExperimentsGetDistinctTags(t *testing.T) {
	if New("alpha").Tag == New("beta").Tag {
		t.Fatalf("alpha and beta share tag %q", New("alpha").Tag)
	}
}

func TestIndexOutOfRange(t *testing.T) {
	s := New("exp")
	if _, err := s.Interface(RoleTap, MaxIndex+1, 0); err == nil {
		t.Fatalf("expected error for node index %d", MaxIndex+1)
	}
	if _, err := s.Interface(RoleTap, 0, -1); err == nil {
		t.Fatalf("expected error for negative incidence")
	}
	if _, err := s.Interface(Role('x'), 0, 0); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestNamespaceAndCommentTags(t *testing.T) {
	s := New("exp")
	if tag, ok := NamespaceTag(s.Namespace(4)); !ok || tag != s.Tag {
		t.Fatalf("NamespaceTag(%q) = %q, %v", s.Namespace(4), tag, ok)
	}
	if tag, ok := CommentTag(`"` + s.FirewallComment() + `"`); !ok || tag != s.Tag {
		t.Fatalf("CommentTag(%q) = %q, %v", s.FirewallComment(), tag, ok)
	}
	for _, foreign := range []string{"eth0", "docker0", "veth1234567", "zn-abc-001", "znt"} {
		if _, ok := InterfaceTag(foreign); ok {
			t.Fatalf("InterfaceTag(%q) matched a foreign name", foreign)
		}
	}
}
