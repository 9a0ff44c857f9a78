package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"udplistener/pkg/portreg"
	"udplistener/pkg/textcodec"
	"udplistener/pkg/udpaddr"
	"udplistener/pkg/udperr"
)

const name = "udplistener/pkg/endpoint"

var (
	tracer = otel.Tracer(name)
	logger = otelslog.NewLogger(name)
)

// aLongTimeAgo is a deadline in the past, used to unblock a pending read.
var aLongTimeAgo = time.Unix(1, 0)

type State int

const (
	StateClosed State = iota
	StateBound
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateBound:
		return "bound"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Status is the lifecycle state plus whether the last send or receive
// since the most recent bind succeeded.
type Status struct {
	State  State
	LastOK bool
}

type Datagram struct {
	Payload []byte
	From    *net.UDPAddr
}

type Option func(*Endpoint)

// WithRegistry makes the endpoint claim its port in reg instead of
// portreg.Default.
func WithRegistry(reg *portreg.Registry) Option {
	return func(e *Endpoint) {
		e.reg = reg
	}
}

type Endpoint struct {
	cfg   Config
	codec textcodec.Codec
	reg   *portreg.Registry

	mu       sync.Mutex
	port     uint16
	reserved bool
	conn     *net.UDPConn
	state    State
	lastOK   bool
}

// New validates cfg, claims a port and binds the socket.
func New(cfg Config, opts ...Option) (*Endpoint, error) {
	cfg, codec, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		cfg:   cfg,
		codec: codec,
		reg:   portreg.Default,
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.Port == 0 {
		e.port, err = e.reg.Allocate()
	} else {
		e.port, err = e.reg.Reserve(cfg.Port)
	}
	if err != nil {
		return nil, err
	}
	e.reserved = true

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.bindLocked(); err != nil {
		e.reg.Release(e.port)
		e.reserved = false
		return nil, err
	}
	return e, nil
}

// Bind opens a fresh socket on the endpoint's address and port, closing the
// previous one if there was one.
func (e *Endpoint) Bind() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.bindLocked()
}

func (e *Endpoint) bindLocked() error {
	claimed := false
	if !e.reserved {
		if _, err := e.reg.Reserve(int(e.port)); err != nil {
			return err
		}
		e.reserved = true
		claimed = true
	}

	if e.conn != nil {
		if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("closing previous socket failed", "port", e.port, "error", err)
		}
		e.conn = nil
	}

	conn, err := e.listen(e.port)
	if err != nil {
		e.state = StateClosed
		if claimed {
			e.reg.Release(e.port)
			e.reserved = false
		}
		return err
	}

	e.conn = conn
	e.state = StateBound
	e.lastOK = false
	return nil
}

func (e *Endpoint) listen(port uint16) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(e.cfg.Address), Port: int(port)}
	logger.Debug("opening socket", "address", laddr.String())

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, udperr.Bind("bind", laddr.String(), err)
	}
	return conn, nil
}

// Send transmits data to the given address.
func (e *Endpoint) Send(ctx context.Context, data []byte, to *net.UDPAddr) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return udperr.Closed("send", nil)
	}
	if to == nil {
		return udperr.Validation("send", "destination address is required")
	}

	_, span := tracer.Start(ctx, "udp.send", trace.WithAttributes(
		attribute.String("udp.local", conn.LocalAddr().String()),
		attribute.String("udp.peer", to.String()),
		attribute.Int("udp.bytes", len(data)),
	))
	defer span.End()

	logger.DebugContext(ctx, "sending data", "to", to.String(), "bytes", len(data))

	if _, err := conn.WriteToUDP(data, to); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		if errors.Is(err, net.ErrClosed) {
			return udperr.Closed("send", err)
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}

	e.mu.Lock()
	if e.conn == conn {
		e.lastOK = true
	}
	e.mu.Unlock()
	return nil
}

// SendString encodes s with the endpoint's codec and sends it.
func (e *Endpoint) SendString(ctx context.Context, s string, to *net.UDPAddr) error {
	data, err := e.codec.Encode(s)
	if err != nil {
		return err
	}
	return e.Send(ctx, data, to)
}

// SendTo sends data to an "x.x.x.x:port" address.
func (e *Endpoint) SendTo(ctx context.Context, data []byte, addr string) error {
	to, err := udpaddr.ResolveUDP(addr)
	if err != nil {
		return err
	}
	return e.Send(ctx, data, to)
}

// Receive waits for one datagram. A bufferSize of zero uses the configured
// size. The wait ends at the configured timeout or the context deadline,
// whichever comes first.
func (e *Endpoint) Receive(ctx context.Context, bufferSize int) (Datagram, error) {
	if bufferSize < 0 {
		return Datagram{}, udperr.Validation("receive", "buffer size must be greater than 0, got '%d'", bufferSize)
	}
	if bufferSize == 0 {
		bufferSize = e.cfg.BufferSize
	}

	e.mu.Lock()
	if e.state != StateBound {
		if err := e.bindLocked(); err != nil {
			e.mu.Unlock()
			return Datagram{}, err
		}
	}
	conn := e.conn
	e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "udp.receive", trace.WithAttributes(
		attribute.String("udp.local", conn.LocalAddr().String()),
	))
	defer span.End()

	logger.DebugContext(ctx, "listening", "address", conn.LocalAddr().String())

	deadline := time.Now().Add(e.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Datagram{}, e.readError(ctx, span, err)
	}
	unblocked := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(unblocked)
		_ = conn.SetReadDeadline(aLongTimeAgo)
	})

	buf := make([]byte, bufferSize)
	n, from, err := conn.ReadFromUDP(buf)
	if !stop() {
		// the cancel callback has started; its past deadline must land
		// before this read returns, not during the next one
		<-unblocked
		if err == nil {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}
	if err != nil {
		return Datagram{}, e.readError(ctx, span, err)
	}

	span.SetAttributes(
		attribute.String("udp.peer", from.String()),
		attribute.Int("udp.bytes", n),
	)

	e.mu.Lock()
	if e.conn == conn {
		e.lastOK = true
		if e.cfg.OneShot {
			e.shutdownLocked()
		}
	}
	e.mu.Unlock()

	return Datagram{Payload: buf[:n], From: from}, nil
}

func (e *Endpoint) readError(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "receive failed")

	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return udperr.Closed("receive", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return udperr.Timeout("receive", err)
	}
	return fmt.Errorf("receive: %w", err)
}

// shutdownLocked drops the socket but keeps the port reservation.
func (e *Endpoint) shutdownLocked() error {
	var err error
	if e.conn != nil {
		logger.Debug("closing socket", "port", e.port)
		err = e.conn.Close()
		e.conn = nil
	}
	e.state = StateClosed
	return err
}

// Close releases the socket and the port reservation and returns the
// status the endpoint had just before closing. Closing a closed endpoint
// is a no-op.
func (e *Endpoint) Close() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prior := Status{State: e.state, LastOK: e.lastOK}

	err := e.shutdownLocked()
	if e.reserved {
		e.reg.Release(e.port)
		e.reserved = false
	}
	e.lastOK = false

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return prior, fmt.Errorf("close: %w", err)
	}
	return prior, nil
}

// Release closes the endpoint and logs any error instead of returning it.
func (e *Endpoint) Release() {
	if _, err := e.Close(); err != nil {
		logger.Warn("close during release failed", "port", e.Port(), "error", err)
	}
}

// SetPort moves the endpoint to a different port. A bound endpoint opens
// its socket on the new port before the old socket and claim are dropped;
// if that fails the endpoint keeps its old port and socket.
func (e *Endpoint) SetPort(port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateBound {
		return e.moveClaimLocked(port)
	}
	if e.reserved && port == int(e.port) {
		return nil
	}

	p, err := e.reg.Reserve(port)
	if err != nil {
		return err
	}
	conn, err := e.listen(p)
	if err != nil {
		e.reg.Release(p)
		return err
	}

	if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn("closing previous socket failed", "port", e.port, "error", err)
	}
	if e.reserved {
		e.reg.Release(e.port)
	}
	e.conn = conn
	e.port = p
	e.reserved = true
	e.lastOK = false
	return nil
}

func (e *Endpoint) moveClaimLocked(port int) error {
	var (
		p   uint16
		err error
	)
	if e.reserved {
		p, err = e.reg.Reassign(e.port, port)
	} else {
		p, err = e.reg.Reserve(port)
	}
	if err != nil {
		return err
	}
	e.port = p
	e.reserved = true
	return nil
}

func (e *Endpoint) Port() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.port
}

func (e *Endpoint) Address() string {
	return e.cfg.Address
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

func (e *Endpoint) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{State: e.state, LastOK: e.lastOK}
}

func (e *Endpoint) Codec() textcodec.Codec {
	return e.codec
}

func (e *Endpoint) OneShot() bool {
	return e.cfg.OneShot
}

// LocalAddr is the bound socket address, or the configured one while closed.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if a, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
			return a
		}
	}
	return &net.UDPAddr{IP: net.ParseIP(e.cfg.Address), Port: int(e.port)}
}

func (e *Endpoint) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return fmt.Sprintf("udp://%s (%s)", net.JoinHostPort(e.cfg.Address, strconv.Itoa(int(e.port))), e.state)
}
