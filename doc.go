// Package grupo lets a dynamic group of Go processes exchange messages,
// with *credit based flow control* keeping fast senders from overrunning
// slow receivers.
//
// A `Channel` is a member of the group. It is backed by a `stack.Stack`:
// an ordered list of `stack.Layer`s, each of them a bidirectional filter
// of events. Messages sent by the application enter the stack from the top
// and travel down to the network, messages received travel up to the
// application.
//
// ## How it works
//
// The first thing to do is to `Create` a `Channel`, and make it
// `Channel.JoinCluster` an existing group. Under the hood, it uses
// [`hashicorp/memberlist`][dep-mbl] to discover the members of the group
// and detect their failures. Every change of membership is turned into a
// `stack.View` delivered to the layers, in order with the messages.
//
// The default stack is, from the top to the bottom:
//
// * `fc.FlowControl`, which blocks senders running out of credit.
// * `protocols.ViewEnforcer`, which drops messages received before we are
// part of a view.
// * The gossip layer, which sends messages as memberlist reliable messages.
//
// More layers, e.g. `protocols.Discard` to simulate message loss, can be
// inserted below flow control with `WithLayers`.
//
// ## Flow Control
//
// Every member starts with `max_credits` bytes of credit towards every
// other member. Sending a message consumes credit, for every member when
// the message is multicast. Receivers give credit back to the sender once
// it consumed `min_credits`. A sender lacking credit blocks until credit
// is granted back, the starved members leave the view, or the channel is
// shut down. See the `fc` package.
//
// ## Transport
//
// By default, memberlist uses its own UDP and TCP transport. With
// `WithTlsConfig`, it runs over [QUIC][dep-quic] instead: gossip packets
// are sent as datagrams, streams are multiplexed on a single connection
// per peer, and peers are authenticated with mTLS. The common name of a
// peer certificate MUST be its hostname, see `WithHostname`.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
package grupo
