// Package realtime keeps a local view of remote, shared, mutable state
// consistent with an authoritative server over a long-lived,
// auto-reconnecting, server-push event stream, with properties:
//   - optimistic local edits are visible to the local envelope stream
//     immediately and superseded, not duplicated, by server confirmation
//   - events from one connection are delivered to all subscribers in the
//     order the connection received them
//   - short-lived presence state is shared among peers with heartbeats,
//     roll-calls, and ttl-based purge, without a durable broker
//   - concurrent outbound operations against one backend are bounded
package realtime
