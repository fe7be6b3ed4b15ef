// Package store provides persistent storage for coven-apps using SQLite.
//
// SQLiteStore implements every store interface in one struct:
//
//   - ChatStore: chat logs (replace-on-save) and the tool sources attached to each chat
//   - ServerStore: registered remote capability servers and their tokens
//   - ConnectionStore: sealed per-owner app credentials
//   - NoteStore: data for the notes app
//   - runledger.Store, Reader and Reconciler: the tool run ledger
//
// The database runs in WAL mode with foreign keys on:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 text in UTC. Lookups that miss return
// ErrNotFound. Chats belonging to a different user are reported as
// ErrNotFound on read and ErrForbidden on write.
package store
