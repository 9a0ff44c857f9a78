// Package endpoint wraps one bound UDP socket together with its address,
// port reservation and lifecycle state.
//
// # Lifecycle
//
// New reserves a port in a portreg.Registry (explicit or auto-allocated from
// the registry base) and binds the socket immediately. The endpoint is then
// Bound until Close, which releases both the socket and the reservation:
//
//	ep, err := endpoint.New(endpoint.Config{Address: "127.0.0.1"})
//	if err != nil {
//	    return err
//	}
//	defer ep.Release()
//
// Release is Close for defer statements: it never returns an error and logs
// whatever Close reported.
//
// # Receive modes
//
// A persistent endpoint (the default) keeps its socket across receives. A
// one-shot endpoint (Config.OneShot) drops the socket after every delivered
// datagram and rebinds on the next Receive. One-shot keeps the port
// reservation while unbound, so the rebind always targets the same port.
//
// Receive on a Closed endpoint rebinds first, re-claiming the port if Close
// released it. A receive that times out leaves the state unchanged. Closing
// the endpoint from another goroutine while Receive is blocked makes that
// Receive return an error matching udperr.ErrClosed.
//
// Each endpoint supports one in-flight Send or Receive at a time; Close and
// the read-only accessors may be called from any goroutine.
package endpoint
