// Package storage persists the station database snapshot.
//
// A Backend stores one opaque snapshot blob. Drivers:
//   - "file":   <path>/database.dat, checksummed JSON envelope, atomic rename
//   - "sqlite": <path>/database.sqlite, single row table
//   - "bolt":   <path>/database.bolt, one bucket
//   - "memory": process local, for tests and dry runs
//
// Gateway turns a Backend into Load/Save of a stationdb.Database.
package storage
