// Package naming derives every kernel-visible name the harness creates.
//
// Names are a pure function of (experiment id, node index, incidence index)
// so the sweeper can rebuild them without a live registry. Interface names
// are exactly 15 bytes, the Linux IFNAMSIZ limit minus the terminator:
//
//	zn <role> <tag:6> <node:3> <incidence:3>
//
// The tag is a base36 rendering of the xxhash of the experiment id; the node
// and incidence indices are fixed-width base36.
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// Prefix starts every resource name owned by the harness.
	Prefix = "zn"
	// MaxInterfaceName is IFNAMSIZ minus the trailing NUL.
	MaxInterfaceName = 15

	tagLen   = 6
	indexLen = 3
	// MaxIndex is the largest node or incidence index that fits in the
	// fixed-width name slot.
	MaxIndex = 36*36*36 - 1

	tagSpace = 36 * 36 * 36 * 36 * 36 * 36

	// LabelExperiment and LabelTag are the container labels the harness sets.
	LabelExperiment = "netemu.experiment"
	LabelTag        = "netemu.tag"
)

// Role is the one-letter device role embedded in interface names.
type Role byte

const (
	RoleTap      Role = 't'
	RoleBridge   Role = 'b'
	RoleVethHost Role = 'h'
	RoleVethPeer Role = 'p'
)

var (
	interfacePattern = regexp.MustCompile(`^zn[tbhp]([0-9a-z]{6})[0-9a-z]{6}$`)
	namespacePattern = regexp.MustCompile(`^zn-([0-9a-z]{6})-[0-9a-z]{3}$`)
	commentPattern   = regexp.MustCompile(`^zn:([0-9a-z]{6})$`)
)

// Tag returns the 6-character experiment tag.
func Tag(experiment string) string {
	v := xxhash.Sum64String(experiment) % tagSpace
	return pad(strconv.FormatUint(v, 36), tagLen)
}

// Scheme derives names for one experiment.
type Scheme struct {
	Experiment string
	Tag        string
}

// New returns the naming scheme for experiment.
func New(experiment string) Scheme {
	return Scheme{Experiment: experiment, Tag: Tag(experiment)}
}

// Interface returns the device name for (role, node, incidence).
func (s Scheme) Interface(role Role, node, incidence int) (string, error) {
	if node < 0 || node > MaxIndex {
		return "", fmt.Errorf("node index %d out of range [0, %d]", node, MaxIndex)
	}
	if incidence < 0 || incidence > MaxIndex {
		return "", fmt.Errorf("incidence index %d out of range [0, %d]", incidence, MaxIndex)
	}
	switch role {
	case RoleTap, RoleBridge, RoleVethHost, RoleVethPeer:
	default:
		return "", fmt.Errorf("unknown interface role %q", role)
	}
	name := Prefix + string(role) + s.Tag + index(node) + index(incidence)
	if len(name) > MaxInterfaceName {
		return "", fmt.Errorf("derived name %q exceeds %d bytes", name, MaxInterfaceName)
	}
	return name, nil
}

// Namespace returns the network namespace name for node.
func (s Scheme) Namespace(node int) string {
	return Prefix + "-" + s.Tag + "-" + index(node)
}

// Container returns the router container name for node.
func (s Scheme) Container(node int) string {
	return Prefix + "-" + s.Tag + "-" + index(node)
}

// FirewallComment returns the iptables comment marking this experiment's rules.
func (s Scheme) FirewallComment() string {
	return Prefix + ":" + s.Tag
}

// Pair holds the four device names for one (node, incidence).
type Pair struct {
	Tap      string
	Bridge   string
	VethHost string
	VethPeer string
}

// Names lists the pair's device names in creation order.
func (p Pair) Names() []string {
	return []string{p.Tap, p.Bridge, p.VethHost, p.VethPeer}
}

// Pair derives every device name for (node, incidence).
func (s Scheme) Pair(node, incidence int) (Pair, error) {
	var p Pair
	var err error
	if p.Tap, err = s.Interface(RoleTap, node, incidence); err != nil {
		return Pair{}, err
	}
	if p.Bridge, err = s.Interface(RoleBridge, node, incidence); err != nil {
		return Pair{}, err
	}
	if p.VethHost, err = s.Interface(RoleVethHost, node, incidence); err != nil {
		return Pair{}, err
	}
	if p.VethPeer, err = s.Interface(RoleVethPeer, node, incidence); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// InterfaceTag returns the experiment tag embedded in an interface name, or
// false if name does not follow the harness convention.
func InterfaceTag(name string) (string, bool) {
	m := interfacePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// NamespaceTag returns the experiment tag embedded in a namespace or
// container name.
func NamespaceTag(name string) (string, bool) {
	m := namespacePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CommentTag returns the experiment tag of a firewall comment.
func CommentTag(comment string) (string, bool) {
	m := commentPattern.FindStringSubmatch(strings.Trim(comment, `"`))
	if m == nil {
		return "", false
	}
	return m[1], true
}

func index(i int) string {
	return pad(strconv.FormatInt(int64(i), 36), indexLen)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
