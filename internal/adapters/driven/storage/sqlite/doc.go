// Package sqlite provides SQLite-backed implementations of the driven
// storage ports. A single database file holds sources, records,
// fingerprints, snapshots, the change log, scheduler state and dataset
// versions, so a page commit can move records and cursor in one
// transaction.
package sqlite
