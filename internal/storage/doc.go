// Package storage opens the history backend a measurement client saves its
// results to.
//
// Drivers:
//   - "file": NDJSON file, compacted to the configured cap on every append
//   - "sqlite": SQLite database (pure Go driver)
//   - "none": persistence disabled
package storage
