package endpoint

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"udplistener/pkg/portreg"
	"udplistener/pkg/udperr"
)

// testBase keeps this package's sockets clear of the other packages' tests,
// which may run at the same time.
const testBase = 51000

func newPair(t *testing.T, reg *portreg.Registry, recvCfg Config) (sender, receiver *Endpoint) {
	t.Helper()

	sender, err := New(Config{Address: "127.0.0.1"}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("could not create sender: %v", err)
	}
	t.Cleanup(sender.Release)

	recvCfg.Address = "127.0.0.1"
	receiver, err = New(recvCfg, WithRegistry(reg))
	if err != nil {
		t.Fatalf("could not create receiver: %v", err)
	}
	t.Cleanup(receiver.Release)

	return sender, receiver
}

func TestNewAllocatesUniquePorts(t *testing.T) {
	reg := portreg.New(testBase)

	seen := make(map[uint16]bool)
	for i := range 4 {
		ep, err := New(Config{Address: "127.0.0.1"}, WithRegistry(reg))
		if err != nil {
			t.Fatalf("endpoint %d: %v", i, err)
		}
		t.Cleanup(ep.Release)

		if seen[ep.Port()] {
			t.Errorf("port %d handed out twice", ep.Port())
		}
		seen[ep.Port()] = true

		if ep.State() != StateBound {
			t.Errorf("new endpoint should be bound, is %s", ep.State())
		}
	}
}

func TestNewExplicitPortInUse(t *testing.T) {
	reg := portreg.New(testBase)

	first, err := New(Config{Address: "127.0.0.1"}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(first.Release)

	_, err = New(Config{Address: "127.0.0.1", Port: int(first.Port())}, WithRegistry(reg))
	if !errors.Is(err, udperr.ErrPortInUse) {
		t.Errorf("want ErrPortInUse, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative port", Config{Port: -1}},
		{"port too large", Config{Port: 65536}},
		{"negative buffer", Config{BufferSize: -5}},
		{"negative timeout", Config{Timeout: -time.Second}},
		{"bad address", Config{Address: "300.1.1.1"}},
		{"hostname", Config{Address: "localhost"}},
		{"conflicting port", Config{Address: "127.0.0.1:6000", Port: 7000}},
		{"unknown encoding", Config{Encoding: "klingon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); !errors.Is(err, udperr.ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, codec, err := Config{Address: "127.0.0.1:6000"}.resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 6000 {
		t.Errorf("port from address: want 6000, got %d", cfg.Port)
	}
	if cfg.BufferSize != DefaultBufferSize {
		t.Errorf("buffer size: want %d, got %d", DefaultBufferSize, cfg.BufferSize)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("timeout: want %s, got %s", DefaultTimeout, cfg.Timeout)
	}
	if codec.Name() != "ascii" {
		t.Errorf("codec: want ascii, got %s", codec.Name())
	}

	cfg, _, _ = Config{}.resolve()
	if cfg.Address != DefaultAddress {
		t.Errorf("address: want %q, got %q", DefaultAddress, cfg.Address)
	}
}

func TestRoundTrip(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	ctx := context.Background()

	payload := []byte{0x00, 'h', 'i', 0xff, '\n'}
	if err := sender.Send(ctx, payload, receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	dg, err := receiver.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !bytes.Equal(dg.Payload, payload) {
		t.Errorf("want %q, got %q", payload, dg.Payload)
	}
	if dg.From.String() != sender.LocalAddr().String() {
		t.Errorf("sender: want %s, got %s", sender.LocalAddr(), dg.From)
	}

	if st := receiver.Status(); st.State != StateBound || !st.LastOK {
		t.Errorf("persistent endpoint after receive: got %+v", st)
	}
	if !sender.Status().LastOK {
		t.Errorf("sender should record a successful send")
	}
}

func TestSendString(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	ctx := context.Background()

	if err := sender.SendString(ctx, "prt hello", receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	dg, err := receiver.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(dg.Payload) != "prt hello" {
		t.Errorf("want %q, got %q", "prt hello", dg.Payload)
	}

	if err := sender.SendString(ctx, "zażółć", receiver.LocalAddr()); !errors.Is(err, udperr.ErrValidation) {
		t.Errorf("non-ascii string: want ErrValidation, got %v", err)
	}

	if err := sender.SendTo(ctx, []byte("x"), "127.0.0.1"); !errors.Is(err, udperr.ErrValidation) {
		t.Errorf("address without port: want ErrValidation, got %v", err)
	}
}

func TestReceiveBufferOverride(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second, BufferSize: 64})
	ctx := context.Background()

	if err := sender.SendString(ctx, "0123456789", receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	dg, err := receiver.Receive(ctx, 4)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(dg.Payload) != "0123" {
		t.Errorf("want payload capped to %q, got %q", "0123", dg.Payload)
	}

	if _, err := receiver.Receive(ctx, -1); !errors.Is(err, udperr.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}
}

func TestReceiveTimeoutKeepsBound(t *testing.T) {
	for _, oneShot := range []bool{false, true} {
		reg := portreg.New(testBase)
		ep, err := New(Config{Address: "127.0.0.1", Timeout: 100 * time.Millisecond, OneShot: oneShot}, WithRegistry(reg))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		start := time.Now()
		_, err = ep.Receive(context.Background(), 0)
		if !errors.Is(err, udperr.ErrTimeout) {
			t.Errorf("oneShot=%v: want ErrTimeout, got %v", oneShot, err)
		}
		if time.Since(start) > 2*time.Second {
			t.Errorf("oneShot=%v: timeout took %s", oneShot, time.Since(start))
		}
		if ep.State() != StateBound {
			t.Errorf("oneShot=%v: want bound after timeout, got %s", oneShot, ep.State())
		}
		ep.Release()
	}
}

func TestReceiveContextDeadline(t *testing.T) {
	reg := portreg.New(testBase)
	ep, err := New(Config{Address: "127.0.0.1", Timeout: time.Minute}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(ep.Release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := ep.Receive(ctx, 0); !errors.Is(err, udperr.ErrTimeout) {
		t.Errorf("want ErrTimeout, got %v", err)
	}
}

func TestReceiveContextCancel(t *testing.T) {
	reg := portreg.New(testBase)
	ep, err := New(Config{Address: "127.0.0.1", Timeout: time.Minute}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(ep.Release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	if _, err := ep.Receive(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
	if ep.State() != StateBound {
		t.Errorf("cancelled receive should keep the socket, got %s", ep.State())
	}
}

func TestOneShotRebinds(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second, OneShot: true})
	ctx := context.Background()
	port := receiver.Port()

	for i, msg := range []string{"first", "second"} {
		if err := sender.SendString(ctx, msg, receiver.LocalAddr()); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		dg, err := receiver.Receive(ctx, 0)
		if err != nil {
			t.Fatalf("receive %d failed: %v", i, err)
		}
		if string(dg.Payload) != msg {
			t.Errorf("want %q, got %q", msg, dg.Payload)
		}
		if receiver.State() != StateClosed {
			t.Errorf("one-shot endpoint should close after receive, is %s", receiver.State())
		}
		if !reg.InUse(port) {
			t.Errorf("one-shot close must keep port %d reserved", port)
		}
		// Datagrams sent while closed are lost, so rebind before the next send.
		if err := receiver.Bind(); err != nil {
			t.Fatalf("rebind failed: %v", err)
		}
		if receiver.Port() != port {
			t.Errorf("rebind moved port from %d to %d", port, receiver.Port())
		}
	}
}

func TestReceiveAfterCloseRebinds(t *testing.T) {
	reg := portreg.New(testBase)
	ep, err := New(Config{Address: "127.0.0.1", Timeout: 50 * time.Millisecond}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(ep.Release)
	port := ep.Port()

	if _, err := ep.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if reg.InUse(port) {
		t.Fatalf("close should release port %d", port)
	}

	_, err = ep.Receive(context.Background(), 0)
	if !errors.Is(err, udperr.ErrTimeout) {
		t.Errorf("want ErrTimeout from rebound endpoint, got %v", err)
	}
	if ep.State() != StateBound {
		t.Errorf("receive should rebind, state is %s", ep.State())
	}
	if !reg.InUse(port) {
		t.Errorf("rebind should claim port %d again", port)
	}
}

func TestCloseReleasesPort(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	ctx := context.Background()

	if err := sender.SendString(ctx, "x", receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if _, err := receiver.Receive(ctx, 0); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	port := receiver.Port()
	prior, err := receiver.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if prior.State != StateBound || !prior.LastOK {
		t.Errorf("want prior status bound+ok, got %+v", prior)
	}
	if reg.InUse(port) {
		t.Errorf("port %d should be free after close", port)
	}

	again, err := receiver.Close()
	if err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if again.State != StateClosed {
		t.Errorf("second close prior state: want closed, got %s", again.State)
	}

	if err := receiver.SendString(ctx, "x", sender.LocalAddr()); !errors.Is(err, udperr.ErrClosed) {
		t.Errorf("send on closed endpoint: want ErrClosed, got %v", err)
	}

	reused, err := New(Config{Address: "127.0.0.1", Port: int(port)}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("port %d should be reusable: %v", port, err)
	}
	reused.Release()
}

func TestConcurrentCloseCancelsReceive(t *testing.T) {
	reg := portreg.New(testBase)
	ep, err := New(Config{Address: "127.0.0.1", Timeout: time.Minute}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := ep.Receive(context.Background(), 0)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := ep.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, udperr.ErrClosed) {
			t.Errorf("want ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive was not unblocked by close")
	}
}

func TestSetPort(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	ctx := context.Background()
	old := receiver.Port()

	if err := receiver.SetPort(int(sender.Port())); !errors.Is(err, udperr.ErrPortInUse) {
		t.Errorf("want ErrPortInUse, got %v", err)
	}
	if err := receiver.SetPort(0); !errors.Is(err, udperr.ErrValidation) {
		t.Errorf("want ErrValidation, got %v", err)
	}

	if err := receiver.SetPort(testBase + 500); err != nil {
		t.Fatalf("SetPort failed: %v", err)
	}
	if reg.InUse(old) {
		t.Errorf("old port %d should be released", old)
	}
	if receiver.LocalAddr().Port != testBase+500 {
		t.Errorf("socket should be rebound on %d, is on %s", testBase+500, receiver.LocalAddr())
	}

	if err := sender.SendString(ctx, "moved", receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	dg, err := receiver.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(dg.Payload) != "moved" {
		t.Errorf("want %q, got %q", "moved", dg.Payload)
	}
}

func TestString(t *testing.T) {
	reg := portreg.New(testBase)
	ep, err := New(Config{Address: "127.0.0.1", Port: testBase + 600}, WithRegistry(reg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ep.Release()

	want := "udp://127.0.0.1:51600 (bound)"
	if got := ep.String(); got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestNewBindFailureReleasesPort(t *testing.T) {
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: testBase + 700})
	if err != nil {
		t.Fatalf("could not occupy port: %v", err)
	}
	defer blocker.Close()

	reg := portreg.New(testBase)
	_, err = New(Config{Address: "127.0.0.1", Port: testBase + 700}, WithRegistry(reg))
	if !errors.Is(err, udperr.ErrBind) {
		t.Fatalf("want ErrBind, got %v", err)
	}
	if reg.InUse(testBase + 700) {
		t.Error("port should be released after a failed bind")
	}
}

func TestSetPortBindFailureKeepsOldPort(t *testing.T) {
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: testBase + 800})
	if err != nil {
		t.Fatalf("could not occupy port: %v", err)
	}
	defer blocker.Close()

	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	ctx := context.Background()
	old := receiver.Port()

	if err := receiver.SetPort(testBase + 800); !errors.Is(err, udperr.ErrBind) {
		t.Fatalf("want ErrBind, got %v", err)
	}
	if receiver.State() != StateBound {
		t.Errorf("want bound, got %s", receiver.State())
	}
	if receiver.Port() != old {
		t.Errorf("want port %d, got %d", old, receiver.Port())
	}
	if !reg.InUse(old) {
		t.Errorf("old port %d should still be claimed", old)
	}
	if reg.InUse(testBase + 800) {
		t.Errorf("port %d should not be claimed", testBase+800)
	}

	if err := sender.SendString(ctx, "still here", receiver.LocalAddr()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	dg, err := receiver.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(dg.Payload) != "still here" {
		t.Errorf("want %q, got %q", "still here", dg.Payload)
	}
}

func TestCancelDoesNotLeakIntoNextReceive(t *testing.T) {
	reg := portreg.New(testBase)
	sender, receiver := newPair(t, reg, Config{Timeout: 2 * time.Second})
	to := receiver.LocalAddr()

	for i := range 50 {
		if err := sender.SendString(context.Background(), "a", to); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		_, _ = receiver.Receive(ctx, 0)

		if err := sender.SendString(context.Background(), "b", to); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if _, err := receiver.Receive(context.Background(), 0); err != nil {
			t.Fatalf("iteration %d: receive after cancel failed: %v", i, err)
		}
	}
}
