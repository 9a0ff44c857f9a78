package pserver

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"udplistener/pkg/command"
	"udplistener/pkg/endpoint"
	"udplistener/pkg/textcodec"
	"udplistener/pkg/udperr"
)

const name = "udplistener/pkg/pserver"

var (
	tracer = otel.Tracer(name)
	logger = otelslog.NewLogger(name)
)

// Conn is the part of an endpoint the listener loop needs. *endpoint.Endpoint
// implements it.
type Conn interface {
	Receive(ctx context.Context, bufferSize int) (endpoint.Datagram, error)
	Send(ctx context.Context, data []byte, to *net.UDPAddr) error
	Codec() textcodec.Codec
	LocalAddr() *net.UDPAddr
}

var _ Conn = (*endpoint.Endpoint)(nil)

type HandlerFunc func(ctx context.Context, conn Conn, dg endpoint.Datagram)

type Middleware func(next HandlerFunc) HandlerFunc

// Serve receives datagrams from conn and hands each to handler until ctx is
// done or conn is closed, both of which return nil. Receive timeouts are
// expected between datagrams and do not stop the loop.
func Serve(ctx context.Context, conn Conn, handler HandlerFunc) error {
	logger.InfoContext(ctx, "listener started", "address", conn.LocalAddr().String())
	defer logger.InfoContext(ctx, "listener stopped", "address", conn.LocalAddr().String())

	for {
		err := ServeOnce(ctx, conn, handler)
		switch {
		case err == nil, errors.Is(err, udperr.ErrTimeout):
			if ctx.Err() != nil {
				return nil
			}
		case ctx.Err() != nil, errors.Is(err, udperr.ErrClosed):
			return nil
		case errors.Is(err, udperr.ErrBind), errors.Is(err, udperr.ErrPortInUse):
			return err
		default:
			logger.WarnContext(ctx, "receive failed", "error", err)
			return err
		}
	}
}

// ServeOnce receives a single datagram and hands it to handler.
func ServeOnce(ctx context.Context, conn Conn, handler HandlerFunc) error {
	dg, err := conn.Receive(ctx, 0)
	if err != nil {
		return err
	}
	handler(ctx, conn, dg)
	return nil
}

// Hooks observe the outcome of command dispatch. Nil hooks are skipped.
type Hooks struct {
	OnDispatch    func(ctx context.Context, fired []string)
	OnDecodeError func(ctx context.Context, dg endpoint.Datagram, err error)
}

// CommandHandler decodes each datagram with the connection's codec and
// dispatches it through table. Payloads that fail to decode are logged and
// reported to hooks, never dispatched.
func CommandHandler(table *command.Table, hooks Hooks) HandlerFunc {
	return func(ctx context.Context, conn Conn, dg endpoint.Datagram) {
		fired, err := table.DispatchBytes(ctx, dg.Payload, conn.Codec(), dg.From)
		if err != nil {
			logger.WarnContext(ctx, "dropping undecodable datagram",
				"from", dg.From.String(),
				"error", err,
			)
			if hooks.OnDecodeError != nil {
				hooks.OnDecodeError(ctx, dg, err)
			}
			return
		}
		if hooks.OnDispatch != nil {
			hooks.OnDispatch(ctx, fired)
		}
	}
}

func WithMiddleware(handler HandlerFunc, ms ...Middleware) HandlerFunc {
	for i := len(ms) - 1; i >= 0; i-- {
		handler = ms[i](handler)
	}
	return handler
}

func LoggingMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn Conn, dg endpoint.Datagram) {
		logger.InfoContext(ctx, "got message",
			"from", dg.From.String(),
			"payload", string(dg.Payload),
		)
		next(ctx, conn, dg)
	}
}

func TracingMiddleware(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, conn Conn, dg endpoint.Datagram) {
		ctx, span := tracer.Start(ctx, "udp.datagram", trace.WithAttributes(
			attribute.String("udp.local", conn.LocalAddr().String()),
			attribute.String("udp.peer", dg.From.String()),
			attribute.Int("udp.bytes", len(dg.Payload)),
		))
		defer span.End()
		next(ctx, conn, dg)
	}
}
