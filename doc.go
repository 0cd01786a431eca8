// Package replicant is the networked-state backbone of a multi-process
// simulation. A visual *client*, *AI* clients, the *simulation* authority
// and *replication* hubs exchange typed messages over QUIC and converge on
// a shared view of entity state.
//
// ## How it works
//
// Every process runs a `Node`, named by an `Identity` whose noun is its
// role. All the domain state of a node (peers, entities, pending requests)
// is owned by `Node.Tick`, which runs every system once, in order, and
// never blocks on I/O. The network lives on the other side of a `Link`:
//
// * a QUIC `Conn`, where every message is one varint-prefixed JSON frame
// on a fresh bidirectional stream, read in order by a dedicated goroutine;
// * a `LocalLink` pair, connecting two nodes of the same process.
//
// Links expose non-blocking queues and `flow.Future`s the tick can poll:
// requests are correlated to their responses by message id, events are
// fire-and-forget.
//
// ## Trust
//
// Messages are attributed by the receiving side only. A client can never
// claim to speak for someone else: what it sends is attributed to itself.
// Hubs relay messages authored by others, so the attribution they provide
// is kept. Only messages from server-like sources are trusted, untrusted
// ones may only touch the client-owned components of the entities their
// source is the client authority of.
//
// ## Replication
//
// Entities are announced by their identity, then each node subscribes to
// the peer it learned an entity from. Changed components are fanned out
// once per tick to subscribers, with their latest value. Hubs sit in the
// middle: they subscribe to the simulation, re-announce what they learn
// and forward spawn requests on behalf of their clients.
//
// ## Connections
//
// Servers generate a self-signed certificate once, clients pin it. Peers
// are pinged every second and the connection maintainer keeps a target
// number of outbound connections to candidates found by a `Discovery`,
// which can be a static list or a serf gossip cluster.
package replicant
