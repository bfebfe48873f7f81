package stack

import (
	"fmt"
	"slices"
	"strings"
)

// ViewID uniquely identifies a `View`.
type ViewID struct {
	Coordinator Address
	Seq         uint64
}

func (id ViewID) String() string {
	return fmt.Sprintf("[%s|%d]", id.Coordinator, id.Seq)
}

// View is an ordered, duplicate-free list of members. The first member is
// the coordinator.
//
// A View is immutable once built: it can be shared between goroutines
// and handed to several layers without copying.
type View struct {
	id      ViewID
	members []Address
	index   map[Address]struct{}
}

// NewView builds a view from members, dropping duplicates and multicast
// addresses while keeping the first occurrence order. When id has no
// coordinator, the first member is used.
func NewView(id ViewID, members []Address) *View {
	v := &View{
		members: make([]Address, 0, len(members)),
		index:   make(map[Address]struct{}, len(members)),
	}
	for _, mbr := range members {
		if mbr.IsMulticast() {
			continue
		}
		if _, dup := v.index[mbr]; dup {
			continue
		}
		v.index[mbr] = struct{}{}
		v.members = append(v.members, mbr)
	}
	if id.Coordinator.IsMulticast() && len(v.members) > 0 {
		id.Coordinator = v.members[0]
	}
	v.id = id
	return v
}

func (v *View) ID() ViewID {
	return v.id
}

func (v *View) Coordinator() Address {
	if len(v.members) == 0 {
		return Multicast
	}
	return v.members[0]
}

// Members returns a copy of the member list.
func (v *View) Members() []Address {
	return slices.Clone(v.members)
}

func (v *View) Contains(mbr Address) bool {
	_, ok := v.index[mbr]
	return ok
}

func (v *View) Size() int {
	return len(v.members)
}

func (v *View) Equal(other *View) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.id == other.id && slices.Equal(v.members, other.members)
}

func (v *View) String() string {
	names := make([]string, len(v.members))
	for i, mbr := range v.members {
		names[i] = string(mbr)
	}
	return fmt.Sprintf("%s (%d) [%s]", v.id, len(v.members), strings.Join(names, ", "))
}
