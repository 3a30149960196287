package data

import (
	"fmt"
	"strconv"
	"strings"
)

// Relation is the outcome of comparing two version vectors.
type Relation int

const (
	Equal Relation = iota
	Less
	Greater
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "Equal"
	case Less:
		return "Less"
	case Greater:
		return "Greater"
	case Concurrent:
		return "Concurrent"
	}
	return fmt.Sprintf("Relation(%d)", int(r))
}

// VersionVector holds one counter per member of the current view, in member
// index order.
type VersionVector []uint64

func NewVersionVector(n int) VersionVector {
	return make(VersionVector, n)
}

// Increment bumps the entry owned by idx and returns its new value.
func (vv VersionVector) Increment(idx int) uint64 {
	vv[idx]++
	return vv[idx]
}

// Merge takes the pointwise maximum of vv and other and reports whether any
// entry of vv advanced. Vectors of a different dimension are rejected.
func (vv VersionVector) Merge(other VersionVector) (bool, error) {
	if len(vv) != len(other) {
		return false, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(vv), len(other))
	}
	changed := false
	for i, v := range other {
		if v > vv[i] {
			vv[i] = v
			changed = true
		}
	}
	return changed, nil
}

// Advance raises entry idx to seq. It never lowers an entry.
func (vv VersionVector) Advance(idx int, seq uint64) bool {
	if seq <= vv[idx] {
		return false
	}
	vv[idx] = seq
	return true
}

// Compare returns the partial order relation of a to b.
func Compare(a, b VersionVector) (Relation, error) {
	if len(a) != len(b) {
		return Concurrent, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	less, greater := false, false
	for i := range a {
		switch {
		case a[i] < b[i]:
			less = true
		case a[i] > b[i]:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent, nil
	case less:
		return Less, nil
	case greater:
		return Greater, nil
	}
	return Equal, nil
}

func (vv VersionVector) Clone() VersionVector {
	c := make(VersionVector, len(vv))
	copy(c, vv)
	return c
}

func (vv VersionVector) Equal(other VersionVector) bool {
	if len(vv) != len(other) {
		return false
	}
	for i := range vv {
		if vv[i] != other[i] {
			return false
		}
	}
	return true
}

func (vv VersionVector) String() string {
	parts := make([]string, len(vv))
	for i, v := range vv {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Named converts vv into a NodeID keyed state vector using the member order
// of info.
func (vv VersionVector) Named(info *ViewInfo) StateVector {
	sv := make(StateVector, 0, len(vv))
	for i, v := range vv {
		sv = append(sv, StateEntry{Node: info.Member(i).ID, Seq: v})
	}
	return sv
}

// Reindex carries the counters of vv, laid out for the roster from, over to
// the roster to. Members missing from to are dropped and members new in to
// start at zero.
func Reindex(vv VersionVector, from, to *ViewInfo) VersionVector {
	out := NewVersionVector(to.Size())
	for i, v := range vv {
		if i >= from.Size() {
			break
		}
		if j, ok := to.Index(from.Member(i).ID); ok {
			out[j] = v
		}
	}
	return out
}

// StateEntry is one (producer, sequence) pair of a StateVector.
type StateEntry struct {
	Node NodeID
	Seq  uint64
}

// StateVector is a version vector keyed by producer name rather than by
// view index. Publications carry one so their causal context outlives the
// view they were published in.
type StateVector []StateEntry

func (sv StateVector) Get(id NodeID) uint64 {
	for _, e := range sv {
		if e.Node == id {
			return e.Seq
		}
	}
	return 0
}

// Set overwrites or appends the entry for id.
func (sv StateVector) Set(id NodeID, seq uint64) StateVector {
	for i := range sv {
		if sv[i].Node == id {
			sv[i].Seq = seq
			return sv
		}
	}
	return append(sv, StateEntry{Node: id, Seq: seq})
}

func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	copy(c, sv)
	return c
}

func (sv StateVector) String() string {
	parts := make([]string, len(sv))
	for i, e := range sv {
		parts[i] = fmt.Sprintf("%s:%d", e.Node, e.Seq)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
