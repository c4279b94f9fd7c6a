// Package main (cmd/kmeadmin) is the operator CLI for a KME node.
//
// It wraps the Key Delivery API: registering and deactivating principals,
// inspecting pool status and sync tickets, forcing manual synchronization,
// and exercising encryption/decryption key delivery for smoke tests.
package main
