package data

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	enc "github.com/named-data/ndnd/std/encoding"
)

// SyncPrefix is the group prefix under which digests and view-change
// messages are multicast.
const SyncPrefix = "/ndn/vsync"

// NodeID names a member. It is an NDN name URI such as "/n1".
type NodeID string

func (id NodeID) String() string {
	return string(id)
}

// HasPrefix reports whether prefix is a component-wise prefix of the name
// URI name.
func HasPrefix(name, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return name == prefix || strings.HasPrefix(name, prefix+"/")
}

// ParseNodeID validates s as an NDN name and returns its canonical URI.
func ParseNodeID(s string) (NodeID, error) {
	name, err := enc.NameFromStr(s)
	if err != nil {
		return "", fmt.Errorf("parse node id %q: %w", s, err)
	}
	if len(name) == 0 {
		return "", fmt.Errorf("parse node id %q: empty name", s)
	}
	return NodeID(name.String()), nil
}

// MemberInfo describes one member of a view. Prefix is optional routing
// reachability data.
type MemberInfo struct {
	ID     NodeID
	Prefix string
}

// ViewID identifies a committed view.
type ViewID struct {
	Epoch  uint64
	Leader NodeID
}

// Compare orders view ids by epoch, then by leader name.
func (v ViewID) Compare(o ViewID) int {
	switch {
	case v.Epoch < o.Epoch:
		return -1
	case v.Epoch > o.Epoch:
		return 1
	}
	return strings.Compare(string(v.Leader), string(o.Leader))
}

func (v ViewID) IsZero() bool {
	return v.Epoch == 0 && v.Leader == ""
}

func (v ViewID) String() string {
	return fmt.Sprintf("(%d,%s)", v.Epoch, v.Leader)
}

// ViewInfo is an immutable ordered roster. A member's position is its index
// in every VersionVector of the view.
type ViewInfo struct {
	members []MemberInfo
	index   map[NodeID]int
}

// NewViewInfo builds a roster from members in the given order.
func NewViewInfo(members []MemberInfo) (*ViewInfo, error) {
	vi := &ViewInfo{
		members: make([]MemberInfo, len(members)),
		index:   make(map[NodeID]int, len(members)),
	}
	for i, m := range members {
		if m.ID == "" {
			return nil, fmt.Errorf("member %d has an empty id", i)
		}
		if _, dup := vi.index[m.ID]; dup {
			return nil, fmt.Errorf("duplicate member %s", m.ID)
		}
		vi.members[i] = m
		vi.index[m.ID] = i
	}
	return vi, nil
}

// MustViewInfo is NewViewInfo for rosters known to be valid.
func MustViewInfo(ids ...NodeID) *ViewInfo {
	members := make([]MemberInfo, len(ids))
	for i, id := range ids {
		members[i] = MemberInfo{ID: id}
	}
	vi, err := NewViewInfo(members)
	if err != nil {
		panic(err)
	}
	return vi
}

func (vi *ViewInfo) Size() int {
	return len(vi.members)
}

func (vi *ViewInfo) Member(i int) MemberInfo {
	return vi.members[i]
}

// Members returns a copy of the roster.
func (vi *ViewInfo) Members() []MemberInfo {
	out := make([]MemberInfo, len(vi.members))
	copy(out, vi.members)
	return out
}

func (vi *ViewInfo) IDs() []NodeID {
	out := make([]NodeID, len(vi.members))
	for i, m := range vi.members {
		out[i] = m.ID
	}
	return out
}

func (vi *ViewInfo) Index(id NodeID) (int, bool) {
	i, ok := vi.index[id]
	return i, ok
}

func (vi *ViewInfo) Contains(id NodeID) bool {
	_, ok := vi.index[id]
	return ok
}

// Leader is the member holding the highest index.
func (vi *ViewInfo) Leader() NodeID {
	if len(vi.members) == 0 {
		return ""
	}
	return vi.members[len(vi.members)-1].ID
}

func (vi *ViewInfo) Equal(o *ViewInfo) bool {
	if vi == nil || o == nil {
		return vi == o
	}
	if len(vi.members) != len(o.members) {
		return false
	}
	for i := range vi.members {
		if vi.members[i] != o.members[i] {
			return false
		}
	}
	return true
}

// Next returns the successor roster: members in remove are dropped, the
// survivors keep their relative order and joiners not yet present are
// appended sorted by id.
func (vi *ViewInfo) Next(remove map[NodeID]bool, add []MemberInfo) (*ViewInfo, error) {
	members := make([]MemberInfo, 0, len(vi.members)+len(add))
	for _, m := range vi.members {
		if !remove[m.ID] {
			members = append(members, m)
		}
	}
	joiners := make([]MemberInfo, 0, len(add))
	for _, m := range add {
		if !vi.Contains(m.ID) && !remove[m.ID] {
			joiners = append(joiners, m)
		}
	}
	sort.Slice(joiners, func(i, j int) bool { return joiners[i].ID < joiners[j].ID })
	members = append(members, joiners...)
	return NewViewInfo(members)
}

// CompareRoster orders two rosters by their encoding. It is the final
// tie-break between conflicting view candidates.
func CompareRoster(a, b *ViewInfo) int {
	ab, _ := a.Encode()
	bb, _ := b.Encode()
	return bytes.Compare(ab, bb)
}

func (vi *ViewInfo) String() string {
	parts := make([]string, len(vi.members))
	for i, m := range vi.members {
		parts[i] = string(m.ID)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
