// Package kv defines the typed key/value storage used by the local document
// cache and the operation queue, with SQLite and in-memory backends.
package kv

import "errors"

// Bucket names one typed store.
type Bucket string

// Buckets of the local schema.
const (
	Documents Bucket = "documents"
	Bodies    Bucket = "document_bodies"
	Queue     Bucket = "sync_queue"
	Meta      Bucket = "sync_meta"
)

var (
	// ErrNotFound is returned by Tx.Get for a missing key.
	ErrNotFound = errors.New("kv: key not found")

	// ErrClosed is returned when using a closed backend.
	ErrClosed = errors.New("kv: backend closed")

	// ErrReadOnly is returned when writing inside a View transaction.
	ErrReadOnly = errors.New("kv: read-only transaction")

	// ErrUnknownBucket is returned for a bucket outside the local schema.
	ErrUnknownBucket = errors.New("kv: unknown bucket")

	// ErrNotIndexed is returned by Tx.ScanRecord for a bucket without a
	// record index.
	ErrNotIndexed = errors.New("kv: bucket has no record index")

	// ErrStop may be returned from a Scan callback to end iteration early.
	ErrStop = errors.New("kv: stop scan")
)

// Tx is a transaction over all buckets.
type Tx interface {
	Get(b Bucket, key string) ([]byte, error)
	Put(b Bucket, key string, value []byte) error
	Delete(b Bucket, key string) error
	// Scan visits every key of b in ascending key order.
	Scan(b Bucket, fn func(key string, value []byte) error) error
	// ScanRecord visits, in ascending key order, the keys of b whose JSON
	// value has record_id equal to recordID. Only Queue is indexed.
	ScanRecord(b Bucket, recordID string, fn func(key string, value []byte) error) error
}

// Backend runs transactions. Update commits only if fn returns nil.
// Transactions must not be nested.
type Backend interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error
	Close() error
}

// AllBuckets lists the buckets of the local schema.
func AllBuckets() []Bucket {
	return []Bucket{Documents, Bodies, Queue, Meta}
}

func validBucket(b Bucket) bool {
	switch b {
	case Documents, Bodies, Queue, Meta:
		return true
	}
	return false
}
