// Package queue persists conversion jobs in SQLite and models their
// lifecycle. Items move pending → validating → converting and settle in
// completed, failed, or cancelled; failed items can be retried back to
// pending. The store is owned by a single process and reclaims items left
// in processing statuses when it opens.
package queue
