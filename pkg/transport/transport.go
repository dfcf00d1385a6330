package transport

import (
	"context"
	"errors"
	"fmt"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
)

// Stream is one bidirectional keep-alive stream to the authority.
// Responses correlate with requests by lease id only, never by position.
type Stream interface {
	// Send may block when the underlying transport is flow controlled
	Send(*etcdserverpb.LeaseKeepAliveRequest) error
	// Recv returns the next response, ErrStreamClosed when the authority
	// ended the stream, or a *TransportError / *ProtocolError
	Recv() (*etcdserverpb.LeaseKeepAliveResponse, error)
	// Close discards the stream. Pending Send/Recv calls return
	Close() error
}

// Dialer opens keep-alive streams. ctx bounds the lifetime of the
// returned stream, not only its establishment.
type Dialer interface {
	Open(ctx context.Context) (Stream, error)
}

var ErrStreamClosed = errors.New("keep-alive stream closed")

// TransportError is a network or stream level failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("keep-alive transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed response from the authority
type ProtocolError struct {
	Reason   string
	Response *etcdserverpb.LeaseKeepAliveResponse
}

func (e *ProtocolError) Error() string {
	if e.Response == nil {
		return fmt.Sprintf("keep-alive protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("keep-alive protocol error: %s (id:%v ttl:%v)", e.Reason, e.Response.ID, e.Response.TTL)
}

func IsStreamClosed(e error) bool {
	return errors.Is(e, ErrStreamClosed)
}

func IsTransportError(e error) bool {
	var te *TransportError
	return errors.As(e, &te)
}

func IsProtocolError(e error) bool {
	var pe *ProtocolError
	return errors.As(e, &pe)
}

// ValidateResponse rejects responses that can not be demultiplexed
func ValidateResponse(resp *etcdserverpb.LeaseKeepAliveResponse) error {
	if resp == nil {
		return &ProtocolError{Reason: "empty response"}
	}

	if resp.ID == 0 {
		return &ProtocolError{Reason: "response carries no lease id", Response: resp}
	}

	if resp.TTL < 0 {
		return &ProtocolError{Reason: "negative ttl", Response: resp}
	}

	return nil
}
