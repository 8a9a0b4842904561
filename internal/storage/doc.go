// Package storage persists whole JSON documents (the event snapshot and the
// notification ledger) and an append-only journal of dispatch attempts.
//
// Drivers:
//   - "file": one file per document under a directory, written via
//     tmp+rename, plus dispatch.jsonl
//   - "sqlite": a single database file (build tag sqlite)
package storage
