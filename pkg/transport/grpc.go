package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// etcd rejects streams with this key set when the member has no leader
const requireLeaderKey = "hasleader"

var _ Dialer = (*GRPCDialer)(nil)

type GRPCDialer struct {
	client        etcdserverpb.LeaseClient
	requireLeader bool
}

type GRPCDialerOption func(*GRPCDialer)

// WithRequireLeader makes the authority fail the stream when it has no leader
func WithRequireLeader(require bool) GRPCDialerOption {
	return func(d *GRPCDialer) { d.requireLeader = require }
}

func NewGRPCDialer(conn *grpc.ClientConn, opts ...GRPCDialerOption) *GRPCDialer {
	d := &GRPCDialer{
		client: etcdserverpb.NewLeaseClient(conn),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *GRPCDialer) Open(ctx context.Context) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	if d.requireLeader {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, requireLeaderKey, "true")
	}

	ks, err := d.client.LeaseKeepAlive(streamCtx)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "open", Err: err}
	}

	return &grpcStream{
		ks:     ks,
		cancel: cancel,
	}, nil
}

type grpcStream struct {
	ks     etcdserverpb.Lease_LeaseKeepAliveClient
	cancel context.CancelFunc

	// grpc forbids CloseSend while a Send is in progress
	sendLock sync.Mutex

	lock   sync.Mutex
	closed bool
}

func (s *grpcStream) Send(req *etcdserverpb.LeaseKeepAliveRequest) error {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if s.isClosed() {
		return ErrStreamClosed
	}

	if err := s.ks.Send(req); err != nil {
		return s.wrap("send", err)
	}
	return nil
}

func (s *grpcStream) Recv() (*etcdserverpb.LeaseKeepAliveResponse, error) {
	resp, err := s.ks.Recv()
	if err != nil {
		return nil, s.wrap("recv", err)
	}

	if err := ValidateResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close cancels the stream first so a Send blocked on flow control
// returns, then half-closes once no Send is running.
func (s *grpcStream) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	s.cancel()

	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	// CloseSend error is irrelevant, the stream is already canceled
	_ = s.ks.CloseSend()
	return nil
}

func (s *grpcStream) isClosed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// grpc reports a stream the peer ended as io.EOF on both Send and Recv.
// cancellation caused by our own Close is also a clean close.
func (s *grpcStream) wrap(op string, err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	if status.Code(err) == codes.Canceled && s.isClosed() {
		return ErrStreamClosed
	}
	return &TransportError{Op: op, Err: err}
}
