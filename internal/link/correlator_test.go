package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func (f *fakeTransport) Name() string                        { return "fake" }
func (f *fakeTransport) Open(context.Context, Handler) error { return nil }
func (f *fakeTransport) Close() error                        { return nil }

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func newConnected(t *testing.T) (*Correlator[string], *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := NewCorrelator[string](ft)
	c.SetConnected(true)
	return c, ft
}

func TestCorrelator_SendNotConnected(t *testing.T) {
	c := NewCorrelator[string](&fakeTransport{})
	if _, err := c.Send([]byte{0x01}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send on disconnected link: got %v, want ErrNotConnected", err)
	}
}

func TestCorrelator_ResolveDeliversFrame(t *testing.T) {
	c, ft := newConnected(t)

	p, err := c.Send([]byte{0xAB})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ft.writes) != 1 || ft.writes[0][0] != 0xAB {
		t.Fatalf("expected command to be written once, got %v", ft.writes)
	}
	if !c.InFlight() {
		t.Fatal("expected request to be in flight after Send")
	}

	go c.Resolve("frame-1")

	got, err := p.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != "frame-1" {
		t.Errorf("Await = %q, want frame-1", got)
	}
	if c.InFlight() {
		t.Error("slot should be free after resolution")
	}
}

func TestCorrelator_SecondSendRejected(t *testing.T) {
	c, _ := newConnected(t)

	first, err := c.Send([]byte{0x01})
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := c.Send([]byte{0x02}); !errors.Is(err, ErrProtocolMisuse) {
		t.Fatalf("second Send: got %v, want ErrProtocolMisuse", err)
	}

	// The first caller must still receive its response.
	c.Resolve("for-first")
	got, err := first.Await(context.Background())
	if err != nil || got != "for-first" {
		t.Fatalf("first Await = %q, %v; want for-first, nil", got, err)
	}
}

func TestCorrelator_DisconnectFailsPending(t *testing.T) {
	c, _ := newConnected(t)

	p, err := c.Send([]byte{0x01})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Await(context.Background())
		done <- err
	}()

	c.SetConnected(false)

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Await after disconnect: got %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not return after disconnect")
	}
	if c.Connected() {
		t.Error("correlator should be marked disconnected")
	}
}

func TestCorrelator_WriteRejected(t *testing.T) {
	c, ft := newConnected(t)
	ft.writeErr = errors.New("gatt busy")

	_, err := c.Send([]byte{0x01})
	if !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("Send: got %v, want ErrWriteRejected", err)
	}
	if c.InFlight() {
		t.Error("slot should be released after a rejected write")
	}
}

func TestCorrelator_CharacteristicMissingPassesThrough(t *testing.T) {
	c, ft := newConnected(t)
	ft.writeErr = ErrCharacteristicMissing

	if _, err := c.Send([]byte{0x01}); !errors.Is(err, ErrCharacteristicMissing) {
		t.Fatalf("Send: got %v, want ErrCharacteristicMissing", err)
	}
}

func TestCorrelator_AwaitTimeoutReleasesSlot(t *testing.T) {
	c, _ := newConnected(t)

	p, err := c.Send([]byte{0x01})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Await(ctx); !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("Await: got %v, want ErrResponseTimeout", err)
	}

	if _, err := c.Send([]byte{0x02}); err != nil {
		t.Fatalf("Send after timeout should succeed, got %v", err)
	}
}

func TestCorrelator_UnsolicitedFrameDropped(t *testing.T) {
	c, _ := newConnected(t)
	if c.Resolve("stray") {
		t.Error("Resolve with no pending request should report false")
	}
}

func TestCorrelator_SendMatchingSkipsOtherFrames(t *testing.T) {
	c, _ := newConnected(t)

	p, err := c.SendMatching([]byte{0x02}, func(f string) bool { return f == "device-info" })
	if err != nil {
		t.Fatalf("SendMatching: %v", err)
	}
	if c.Resolve("late-status") {
		t.Error("a rejected frame should report false")
	}
	if !c.InFlight() {
		t.Fatal("request should still be waiting after a rejected frame")
	}
	if !c.Resolve("device-info") {
		t.Fatal("matching frame was not delivered")
	}

	got, err := p.Await(context.Background())
	if err != nil || got != "device-info" {
		t.Errorf("Await = %q, %v; want device-info", got, err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateReady:        "ready",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
