package changefeed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gonlo2/mucachefs/internal/circuit"
	"github.com/gonlo2/mucachefs/pkg/retry"
	"github.com/gonlo2/mucachefs/pkg/types"
)

func sendEvent(t *testing.T, addr string, ev wireEvent) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length prefix: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestServerDecodesEventAndInvokesSink(t *testing.T) {
	var mu sync.Mutex
	var got types.ChangeEvent
	done := make(chan struct{})

	sink := func(ctx context.Context, event types.ChangeEvent) {
		mu.Lock()
		got = event
		mu.Unlock()
		close(done)
	}

	addr := bindEphemeral(t)
	srv := New(addr, sink, nil, nil)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	sendEvent(t, addr, wireEvent{Mask: types.MaskDelete, Path: "/a", Name: "b"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Mask != types.MaskDelete || got.Path != "/a" || got.Name != "b" {
		t.Errorf("decoded event = %+v, want mask=%#x path=/a name=b", got, types.MaskDelete)
	}
}

func TestServerForwardsToDownstreamForwarder(t *testing.T) {
	f := &recordingForwarder{}
	sink := func(ctx context.Context, event types.ChangeEvent) {}

	addr := bindEphemeral(t)
	srv := New(addr, sink, f, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	sendEvent(t, addr, wireEvent{Mask: types.MaskCreate, Path: "/x", Name: "y"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.events)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 {
		t.Fatalf("forwarded events = %d, want 1", len(f.events))
	}
	if f.events[0].Path != "/x" || f.events[0].Name != "y" {
		t.Errorf("forwarded event = %+v, want path=/x name=y", f.events[0])
	}
}

func TestForwarderRoundTripsOverTheSameWireFormat(t *testing.T) {
	received := make(chan types.ChangeEvent, 1)
	addr := bindEphemeral(t)
	srv := New(addr, func(ctx context.Context, event types.ChangeEvent) {
		received <- event
	}, nil, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	fwd := NewForwarder(addr, retry.DefaultConfig(), nil, nil)
	if err := fwd.Notify(context.Background(), types.ChangeEvent{Mask: types.MaskMovedTo, Path: "/p", Name: "q"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Mask != types.MaskMovedTo || ev.Path != "/p" || ev.Name != "q" {
			t.Errorf("received = %+v, want mask=%#x path=/p name=q", ev, types.MaskMovedTo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder's event was never received")
	}
}

func TestForwarderTripsBreakerAgainstDeadDownstream(t *testing.T) {
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 1

	breakerCfg := circuit.Config{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}
	breakers := circuit.NewManager(breakerCfg)

	// Nothing is listening on this address, so every Notify fails at dial.
	deadAddr := "127.0.0.1:1"
	fwd := NewForwarder(deadAddr, retryCfg, breakers, nil)

	ev := types.ChangeEvent{Mask: types.MaskCreate, Path: "/z", Name: "w"}
	if err := fwd.Notify(context.Background(), ev); err == nil {
		t.Fatal("expected first Notify to fail against a dead downstream")
	}
	if err := fwd.Notify(context.Background(), ev); err == nil {
		t.Fatal("expected second Notify to fail and trip the breaker")
	}

	breaker := breakers.GetBreaker(forwardBreakerName)
	if breaker.GetState() != circuit.StateOpen {
		t.Fatalf("breaker state = %v, want StateOpen", breaker.GetState())
	}

	// With the breaker open, Notify degrades to a no-op rather than
	// attempting another doomed dial.
	if err := fwd.Notify(context.Background(), ev); err != nil {
		t.Errorf("Notify with open breaker: %v, want nil (dropped)", err)
	}
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
}

func (f *recordingForwarder) Notify(ctx context.Context, event types.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// bindEphemeral grabs an OS-assigned free TCP port and releases it
// immediately, giving tests a concrete loopback address to configure
// a Server with and to dial.
func bindEphemeral(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind ephemeral port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
