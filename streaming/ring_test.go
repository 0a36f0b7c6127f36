package streaming

import (
	"fmt"
	"testing"
)

func mkEvent(seq uint64, snapshot bool) WireEvent {
	typ := 3
	if snapshot {
		typ = 2
	}
	return WireEvent{
		SequenceID: seq,
		Event:      RecorderEvent([]byte(fmt.Sprintf(`{"type":%d}`, typ))),
	}
}

func TestRingAppendAndSince(t *testing.T) {
	r := newRing(4)
	for i := uint64(0); i < 4; i++ {
		r.append(mkEvent(i, i == 1))
	}

	if r.size != 4 {
		t.Fatalf("expected size 4, got %d", r.size)
	}

	seq, ok := r.snapshotSequence()
	if !ok || seq != 1 {
		t.Fatalf("expected snapshot at seq 1, got %d ok=%v", seq, ok)
	}

	since := r.since(1)
	if len(since) != 3 {
		t.Fatalf("expected 3 events since seq 1, got %d", len(since))
	}
	if since[0].SequenceID != 1 {
		t.Fatalf("expected first replayed seq 1, got %d", since[0].SequenceID)
	}
}

func TestRingEvictsOldestAndDropsStaleSnapshot(t *testing.T) {
	r := newRing(2)
	r.append(mkEvent(0, true))
	r.append(mkEvent(1, false))
	r.append(mkEvent(2, false)) // evicts seq 0, the snapshot

	if r.hasSnapshot() {
		t.Fatalf("expected no snapshot after eviction, got one")
	}
	if r.oldestSequence() != 1 {
		t.Fatalf("expected oldest seq 1, got %d", r.oldestSequence())
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := newRing(0)
	if r.cap != 1000 {
		t.Fatalf("expected default capacity 1000, got %d", r.cap)
	}
}
