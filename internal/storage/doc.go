// Package storage is the relational persistence layer shared by the
// notification pipeline.
//
// It owns three tables:
//   - presence       (one row per user; which conversation is being viewed)
//   - pending_batch  (one row per recipient/sender/conversation while undelivered)
//   - usage_counter  (one row per subject and calendar day)
//
// Every mutation is a single-row upsert/update/delete keyed by a unique
// identifier or tuple. Nothing here opens multi-row transactions.
package storage
