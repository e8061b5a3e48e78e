// Package store provides the persistent implementations of the
// message.Store and message.StateStore interfaces: a SQLite-backed
// store for deployments and an in-memory store for tests.
package store
