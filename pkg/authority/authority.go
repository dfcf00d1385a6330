// Package authority is an in-memory etcd compatible Lease service. It
// grants leases, expires them when they are not kept alive and serves
// the keep-alive stream. It backs tests and the authority command.
package authority

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpchealth "google.golang.org/grpc/health"
	grpchealthpb "google.golang.org/grpc/health/grpc_health_v1"

	klogv2 "k8s.io/klog/v2"

	"github.com/khenidak/leasekeeper/pkg/config"
)

const (
	clusterId = uint64(212010)
	raftTerm  = uint64(9)

	// same cap etcd puts on granted ttl
	MaxLeaseTTL = int64(9000000000)

	DefaultExpiryCheckInterval = 100 * time.Millisecond
)

type Authority interface {
	etcdserverpb.LeaseServer

	// StartListening listens on config ListenAddress and serves until the
	// runtime context is done
	StartListening() error
	// Serve serves on lis in the background
	Serve(lis net.Listener) error
	Stop()

	// DropStreams ends every open keep-alive stream with Unavailable
	DropStreams()
	// PauseKeepAlive makes keep-alive streams swallow requests without
	// renewing or answering
	PauseKeepAlive(paused bool)
	// AttachKey associates key with lease id, reported by TimeToLive
	AttachKey(id int64, key string) error
}

type Option func(*authority)

// WithExpiryCheckInterval sets how often expired leases are collected
func WithExpiryCheckInterval(d time.Duration) Option {
	return func(a *authority) {
		if d > 0 {
			a.checkInterval = d
		}
	}
}

// WithMinTTL raises every granted ttl to at least ttl seconds
func WithMinTTL(ttl int64) Option {
	return func(a *authority) { a.minTTL = ttl }
}

// WithGrantError makes every grant answer with msg in the response
// Error field instead of a lease, the way a lessor that is not ready does
func WithGrantError(msg string) Option {
	return func(a *authority) { a.grantError = msg }
}

type authority struct {
	config        *config.Config
	memberId      uint64
	checkInterval time.Duration
	minTTL        int64
	grantError    string

	ctx    context.Context
	cancel context.CancelFunc

	serverLock sync.Mutex
	grpcServer *grpc.Server

	leaseLock sync.Mutex
	revision  int64
	leases    map[int64]*lease
	streams   map[*keepAliveStream]struct{}
	paused    bool
}

func NewAuthority(c *config.Config, opts ...Option) (Authority, error) {
	if c == nil {
		return nil, fmt.Errorf("authority requires a config")
	}

	parent := c.Runtime.Context
	if parent == nil {
		parent = context.Background()
	}

	a := &authority{
		config:        c,
		memberId:      randomUint64(),
		checkInterval: DefaultExpiryCheckInterval,
		leases:        make(map[int64]*lease),
		streams:       make(map[*keepAliveStream]struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.ctx, a.cancel = context.WithCancel(parent)

	// start lease mgmt loop
	go a.leaseManagementLoop()

	return a, nil
}

func (a *authority) newGRPCServer() (*grpc.Server, error) {
	var grpcServer *grpc.Server
	if a.config.UseTLS {
		tlsConfig, err := a.config.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		grpcServer = grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	} else {
		grpcServer = grpc.NewServer()
	}

	etcdserverpb.RegisterLeaseServer(grpcServer, a)

	healthServer := grpchealth.NewServer()
	healthServer.SetServingStatus("Lease", grpchealthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", grpchealthpb.HealthCheckResponse_SERVING)
	grpchealthpb.RegisterHealthServer(grpcServer, healthServer)

	return grpcServer, nil
}

func (a *authority) StartListening() error {
	listener, err := a.createAndStartListener()
	if err != nil {
		return err
	}

	if err := a.Serve(listener); err != nil {
		_ = listener.Close()
		return err
	}

	go func() {
		<-a.ctx.Done()
		klogv2.Infof("lease authority received a stop signal.. stopping")
		a.Stop()
		_ = listener.Close()
		if a.config.Runtime.Done != nil {
			a.config.Runtime.Done <- struct{}{}
		}
	}()

	return nil
}

func (a *authority) Serve(lis net.Listener) error {
	a.serverLock.Lock()
	defer a.serverLock.Unlock()
	if a.grpcServer != nil {
		return fmt.Errorf("lease authority is already serving")
	}

	grpcServer, err := a.newGRPCServer()
	if err != nil {
		return err
	}
	a.grpcServer = grpcServer

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			klogv2.Errorf("lease authority failed to serve with err:%v", err)
		}
	}()

	klogv2.Infof("lease authority member %x serving on %s", a.memberId, lis.Addr())
	return nil
}

func (a *authority) Stop() {
	a.cancel()

	a.serverLock.Lock()
	defer a.serverLock.Unlock()
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
}

func (a *authority) createAndStartListener() (net.Listener, error) {
	netType, address, err := config.SplitAddress(a.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	if netType == "unix" {
		// remove socket
		err := os.Remove(address)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	klogv2.Infof("lease authority is listening on %s://%s", netType, address)
	return net.Listen(netType, address)
}

// must be called with leaseLock held
func (a *authority) createResponseHeader() *etcdserverpb.ResponseHeader {
	return &etcdserverpb.ResponseHeader{
		ClusterId: clusterId,
		MemberId:  a.memberId,
		RaftTerm:  raftTerm,
		Revision:  a.revision,
	}
}

// randomUint64 draws from a v4 uuid
func randomUint64() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
