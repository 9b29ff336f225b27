package kv

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// Memory is an in-process Backend. Update transactions write to an overlay
// that is merged into the committed state only when fn succeeds.
type Memory struct {
	mu     sync.RWMutex
	data   map[Bucket]map[string][]byte
	closed bool
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	data := make(map[Bucket]map[string][]byte)
	for _, b := range AllBuckets() {
		data[b] = make(map[string][]byte)
	}
	return &Memory{data: data}
}

// View runs fn in a read-only transaction.
func (m *Memory) View(fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{m: m, readOnly: true})
}

// Update runs fn in a read-write transaction.
func (m *Memory) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTx{m: m, writes: make(map[Bucket]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for b, writes := range tx.writes {
		for k, v := range writes {
			if v == nil {
				delete(m.data[b], k)
				continue
			}
			m.data[b][k] = v
		}
	}
	return nil
}

// Close releases the backend. Further transactions fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	m        *Memory
	readOnly bool
	// nil value marks a delete
	writes map[Bucket]map[string][]byte
}

func (tx *memTx) Get(b Bucket, key string) ([]byte, error) {
	if !validBucket(b) {
		return nil, ErrUnknownBucket
	}
	if w, ok := tx.writes[b]; ok {
		if v, ok := w[key]; ok {
			if v == nil {
				return nil, ErrNotFound
			}
			return clone(v), nil
		}
	}
	v, ok := tx.m.data[b][key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (tx *memTx) Put(b Bucket, key string, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if !validBucket(b) {
		return ErrUnknownBucket
	}
	if value == nil {
		value = []byte{}
	}
	tx.overlay(b)[key] = clone(value)
	return nil
}

func (tx *memTx) Delete(b Bucket, key string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if !validBucket(b) {
		return ErrUnknownBucket
	}
	tx.overlay(b)[key] = nil
	return nil
}

func (tx *memTx) Scan(b Bucket, fn func(key string, value []byte) error) error {
	if !validBucket(b) {
		return ErrUnknownBucket
	}
	keys := make([]string, 0, len(tx.m.data[b]))
	for k := range tx.m.data[b] {
		keys = append(keys, k)
	}
	for k, v := range tx.writes[b] {
		if _, ok := tx.m.data[b][k]; !ok && v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, err := tx.Get(b, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ScanRecord filters a full scan by decoding each value's record_id.
func (tx *memTx) ScanRecord(b Bucket, recordID string, fn func(key string, value []byte) error) error {
	if !validBucket(b) {
		return ErrUnknownBucket
	}
	if b != Queue {
		return ErrNotIndexed
	}
	return tx.Scan(b, func(key string, value []byte) error {
		var row struct {
			RecordID string `json:"record_id"`
		}
		if err := json.Unmarshal(value, &row); err != nil || row.RecordID != recordID {
			return nil
		}
		return fn(key, value)
	})
}

func (tx *memTx) overlay(b Bucket) map[string][]byte {
	w, ok := tx.writes[b]
	if !ok {
		w = make(map[string][]byte)
		tx.writes[b] = w
	}
	return w
}

func clone(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
