package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/visualcore/browsersession"
)

func TestAttachDeliversEvents(t *testing.T) {
	inj, err := NewInjector(InjectorConfig{PingDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	stub := browsersession.NewStubSession()

	var got []byte
	err = inj.Attach(context.Background(), stub, func(raw []byte) {
		got = raw
	}, nil)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	stub.Emit(`{"type":2,"timestamp":1}`)

	if string(got) != `{"type":2,"timestamp":1}` {
		t.Fatalf("unexpected delivered payload: %s", got)
	}
	if !inj.gotSnapshot.Load() {
		t.Fatalf("expected snapshot flag set after type=2 event")
	}
}

func TestNavigateDegradesAfterRetryWithoutSnapshot(t *testing.T) {
	inj, err := NewInjector(InjectorConfig{PingDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	stub := browsersession.NewStubSession()

	degraded := make(chan struct{}, 1)
	err = inj.Attach(context.Background(), stub, func(raw []byte) {}, func() {
		degraded <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := stub.Navigate(context.Background(), "https://example.com/next"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected onDegrade to fire after retry with no snapshot")
	}

	if !inj.Degraded() {
		t.Fatalf("expected Degraded() true")
	}
}

func TestNavigateRecoversWithSnapshot(t *testing.T) {
	inj, err := NewInjector(InjectorConfig{PingDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	stub := browsersession.NewStubSession()

	err = inj.Attach(context.Background(), stub, func(raw []byte) {}, func() {
		t.Errorf("onDegrade should not fire when a snapshot arrives")
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := stub.Navigate(context.Background(), "https://example.com/next"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	stub.Emit(`{"type":2,"timestamp":2}`)

	time.Sleep(100 * time.Millisecond)

	if inj.Degraded() {
		t.Fatalf("expected Degraded() false after snapshot recovery")
	}
}
