// Package interfaces defines the shared data model and component contracts
// for the KME (Key Management Entity) subsystem: principals, key records and
// their lifecycle states, pool summaries, synchronization tickets, the error
// taxonomy, and the interfaces implemented by key pool stores and peer
// transport clients.
//
// Every other package depends on this one; it depends on nothing but the
// standard library.
package interfaces
