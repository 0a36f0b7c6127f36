package streaming

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/visualcore/sessionid"
)

func rawEvent(typ int) []byte {
	return []byte(fmt.Sprintf(`{"type":%d,"timestamp":1}`, typ))
}

func drain(t *testing.T, ch <-chan ClientFrame, n int, timeout time.Duration) []ClientFrame {
	t.Helper()
	out := make([]ClientFrame, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case fr := <-ch:
			out = append(out, fr)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(out))
		}
	}
	return out
}

func TestSequenceIDsAreContiguous(t *testing.T) {
	s := New(sessionid.New(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Ingest(rawEvent(2)) // seq 0: snapshot, so ClientReady below returns immediately
	time.Sleep(50 * time.Millisecond)

	ch := s.Register("client-1")
	if err := s.ClientReady(ctx, "client-1"); err != nil {
		t.Fatalf("ClientReady: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Ingest(rawEvent(3))
	}

	frames := drain(t, ch, 6, 2*time.Second)
	for i, fr := range frames {
		if fr.Kind != FrameEvent {
			t.Fatalf("frame %d: expected event frame", i)
		}
		if fr.Event.SequenceID != uint64(i) {
			t.Fatalf("frame %d: expected sequence_id %d, got %d", i, i, fr.Event.SequenceID)
		}
	}
}

func TestLateJoinReplaysFromSnapshotOnly(t *testing.T) {
	s := New(sessionid.New(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Events before any client is registered.
	s.Ingest(rawEvent(3))
	s.Ingest(rawEvent(2)) // seq 1: snapshot
	s.Ingest(rawEvent(3)) // seq 2

	time.Sleep(50 * time.Millisecond)

	ch := s.Register("late-client")
	if err := s.ClientReady(ctx, "late-client"); err != nil {
		t.Fatalf("ClientReady: %v", err)
	}

	frames := drain(t, ch, 2, 2*time.Second)
	if frames[0].Event.SequenceID != 1 || !frames[0].Event.Event.IsSnapshot() {
		t.Fatalf("expected first replayed event to be the snapshot at seq 1, got seq %d snapshot=%v",
			frames[0].Event.SequenceID, frames[0].Event.Event.IsSnapshot())
	}
	if frames[1].Event.SequenceID != 2 {
		t.Fatalf("expected second replayed event at seq 2, got %d", frames[1].Event.SequenceID)
	}
}

func TestClientReadyWaitsForFirstSnapshot(t *testing.T) {
	s := New(sessionid.New(), Config{SnapshotWait: 200 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	ch := s.Register("client-1")

	readyErr := make(chan error, 1)
	go func() {
		readyErr <- s.ClientReady(ctx, "client-1")
	}()

	time.Sleep(50 * time.Millisecond)
	s.Ingest(rawEvent(2))

	select {
	case err := <-readyErr:
		if err != nil {
			t.Fatalf("ClientReady: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ClientReady did not return after snapshot arrived")
	}

	frames := drain(t, ch, 1, time.Second)
	if !frames[0].Event.Event.IsSnapshot() {
		t.Fatalf("expected the delivered frame to be the snapshot")
	}
}

func TestSlowClientGetsSequenceResetWithoutBlockingOthers(t *testing.T) {
	s := New(sessionid.New(), Config{ClientQueueCap: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Ingest(rawEvent(2)) // seq 0: snapshot
	time.Sleep(50 * time.Millisecond)

	slowCh := s.Register("slow")
	fastCh := s.Register("fast")
	if err := s.ClientReady(ctx, "slow"); err != nil {
		t.Fatalf("ClientReady slow: %v", err)
	}
	if err := s.ClientReady(ctx, "fast"); err != nil {
		t.Fatalf("ClientReady fast: %v", err)
	}

	// Don't drain slowCh at all; drain fastCh continuously from a goroutine
	// so the fast client never blocks.
	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		for i := 0; i < 20; i++ {
			select {
			case <-fastCh:
			case <-time.After(2 * time.Second):
				return
			}
		}
	}()

	for i := 0; i < 19; i++ {
		s.Ingest(rawEvent(3))
	}

	select {
	case <-fastDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("fast client did not receive all events; slow client blocked ingest")
	}

	// The slow client's queue should now contain a sequence_reset frame,
	// proving it was reset rather than left to back up forever.
	foundReset := false
	timeout := time.After(time.Second)
drainSlow:
	for {
		select {
		case fr := <-slowCh:
			if fr.Kind == FrameSequenceReset {
				foundReset = true
				break drainSlow
			}
		case <-timeout:
			break drainSlow
		}
	}
	if !foundReset {
		t.Fatalf("expected slow client to receive a sequence_reset frame")
	}
}

func TestStatusReflectsBufferAndClients(t *testing.T) {
	s := New(sessionid.New(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Register("a")
	s.Ingest(rawEvent(2))
	time.Sleep(50 * time.Millisecond)

	st := s.Status()
	if !st.StreamingActive {
		t.Fatalf("expected streaming_active true")
	}
	if !st.StreamingReady {
		t.Fatalf("expected streaming_ready true after a snapshot")
	}
	if st.ConnectedClients != 1 {
		t.Fatalf("expected 1 connected client, got %d", st.ConnectedClients)
	}
	if st.EventsProcessed != 1 {
		t.Fatalf("expected 1 event processed, got %d", st.EventsProcessed)
	}
}
