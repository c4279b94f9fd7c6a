// Package keypool implements the durable, per-principal key record
// inventory behind the KME. Two implementations of interfaces.PoolStore are
// provided: a PostgreSQL store (the deployment default) and an in-process
// memory store for tests and cache-only setups. Stores are created from a
// location URI through StoreFor.
//
// All status transitions happen here, under a per-principal exclusive
// section: a row lock on the principal in the postgres store, a per-pool
// mutex in the memory store. One-time-pad discipline is enforced at this
// layer — a key identifier can be observed transitioning to CONSUMED by at
// most one caller, and expired or consumed material is blanked immediately.
package keypool
