// Package storage is the SQLite persistence layer behind the daemon.
//
// It holds three durable concerns:
//   - The reminder ledger: a permanent audit/dedup log whose unique
//     (subscriber, event, reference date) triple is the sole mechanism
//     preventing double-sends.
//   - The zone rule cache persisted across restarts.
//   - The subscriber directory, owned by the subscription surface and only
//     read by the dispatch core.
//
// Storage failures surface as *PersistenceError. Callers must fail closed:
// absence of confirmation blocks delivery, it never means "already sent".
package storage
