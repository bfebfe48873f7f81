package stack

// Address identifies a member of the group.
//
// The zero value is the multicast address: a message sent to it is
// delivered to every member of the current `View`, sender included.
type Address string

const Multicast Address = ""

func (a Address) IsMulticast() bool {
	return a == Multicast
}

func (a Address) String() string {
	if a.IsMulticast() {
		return "<all>"
	}
	return string(a)
}
