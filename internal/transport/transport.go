// Package transport serves TURN/STUN traffic over UDP and TCP (optionally
// TLS), framing each connection or datagram into discrete STUN messages
// or ChannelData frames and handing them to a router.Router, mirroring
// the teacher's internal/server package (Server.worker/Server.Serve,
// internal/server's workerPool) generalized to also cover the
// connection-oriented TCP transport described in RFC 8656 Section 3.2,
// whose explicit length-framing follows the Rust original's
// src/server/transport/mod.rs.
package transport
