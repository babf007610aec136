// Package mesh implements the messaging substrate for a fleet of
// long-lived agents: a versioned message envelope, heartbeated
// full-duplex connections pooled by peer id, rate limiting and circuit
// breaking per peer, a load balancer across peer endpoints, an
// authenticated-encryption security envelope with rotating keys, a
// chunked stream subprotocol for large payloads, and a pluggable
// protocol dispatcher.
//
// None of the types in this package are safe to use before they are
// constructed with their documented constructor; zero values are not
// meaningful except where noted.
package mesh
