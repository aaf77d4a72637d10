// services/fleet/internal/core/buffer.go
package core

import "sync"

// ScanBuffer is the device-local bounded scan queue. Overflow drops the
// newest scan: the earliest (closest-to-departure) records are the ones worth
// keeping, so a scan attempted against a full buffer is skipped entirely
// rather than evicting old data.
type ScanBuffer struct {
	mu      sync.Mutex
	records []ScanRecord
	max     int
	dropped uint64
}

// NewScanBuffer creates a buffer holding at most max records.
func NewScanBuffer(max int) *ScanBuffer {
	return &ScanBuffer{max: max}
}

// Append adds a record unless the buffer is at capacity. Returns false when
// the record was dropped.
func (b *ScanBuffer) Append(record ScanRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) >= b.max {
		b.dropped++
		return false
	}
	b.records = append(b.records, record)
	return true
}

// Snapshot returns a copy of the buffered records in order.
func (b *ScanBuffer) Snapshot() []ScanRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScanRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Drain removes the first n records. Called only after the hub acknowledged
// receipt of a snapshot of that length; scans appended since the snapshot
// survive.
func (b *ScanBuffer) Drain(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.records) {
		b.records = b.records[:0]
		return
	}
	b.records = b.records[n:]
}

// Restore replaces the buffer contents, honoring capacity. Used when loading
// a persisted buffer on boot.
func (b *ScanBuffer) Restore(records []ScanRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(records) > b.max {
		records = records[:b.max]
	}
	b.records = append(b.records[:0], records...)
}

// SetCapacity adjusts the maximum record count. Existing records above the
// new capacity are kept; only further appends are refused.
func (b *ScanBuffer) SetCapacity(max int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = max
}

// Len returns the current record count.
func (b *ScanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Dropped returns how many scans were discarded at capacity.
func (b *ScanBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// BatchBuffer is the hub's pending upload buffer: an ordered, append-only
// sequence of typed items. Append is the only concurrent mutation; the sync
// path snapshots before iterating. There is no hard cap, the sync threshold
// keeps it small.
type BatchBuffer struct {
	mu        sync.Mutex
	items     []BatchItem
	threshold int
	full      chan struct{}
}

// NewBatchBuffer creates a buffer that signals on Full once occupancy crosses
// threshold.
func NewBatchBuffer(threshold int) *BatchBuffer {
	return &BatchBuffer{
		threshold: threshold,
		full:      make(chan struct{}, 1),
	}
}

// Append adds an item. Safe for concurrent use by simultaneously docking
// devices.
func (b *BatchBuffer) Append(item BatchItem) {
	b.mu.Lock()
	n := len(b.items) + 1
	b.items = append(b.items, item)
	b.mu.Unlock()

	if b.threshold > 0 && n >= b.threshold {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Full signals when buffer occupancy has crossed the sync threshold.
func (b *BatchBuffer) Full() <-chan struct{} {
	return b.full
}

// Snapshot returns a copy of the pending items in order.
func (b *BatchBuffer) Snapshot() []BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BatchItem, len(b.items))
	copy(out, b.items)
	return out
}

// Ack discards the first n items after a successful upload of a snapshot of
// that length. Items appended during the upload remain pending.
func (b *BatchBuffer) Ack(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.items) {
		b.items = b.items[:0]
		return
	}
	b.items = b.items[n:]
}

// Restore replaces the buffer contents. Used when waking from shutdown.
func (b *BatchBuffer) Restore(items []BatchItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items[:0], items...)
}

// Len returns the current item count.
func (b *BatchBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
