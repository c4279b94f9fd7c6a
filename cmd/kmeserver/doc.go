// Package main (cmd/kmeserver) runs one node of a simulated QKD Key
// Management Entity pair.
//
// The server exposes the Key Delivery API for principal registration, pool
// status, and one-time-pad key delivery, plus the node-to-node endpoints its
// paired KME uses for replication. Key material comes from either the system
// CSPRNG or a deterministic HKDF source seeded for reproducible test
// deployments; pools live in PostgreSQL or in memory, selected by the
// store-dsn URI.
//
// Two nodes form a deployment: each points its peer-addr (or peer-srv for
// DNS SRV discovery) at the other. Principals register at their home node;
// the home node mirrors the principal and replicates key material so both
// sides of a conversation can be served locally.
package main
