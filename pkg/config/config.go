package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	DefaultEndpoint         = "tcp://127.0.0.1:2379"
	DefaultListenAddress    = "tcp://0.0.0.0:2379"
	DefaultDialTimeout      = 5 * time.Second
	DefaultRequestTimeout   = 5 * time.Second
	DefaultMinRenewInterval = time.Second
	DefaultSendQueueSize    = 128

	DefaultBackoffInitial    = 100 * time.Millisecond
	DefaultBackoffMax        = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
)

type TLSConfig struct {
	CertFilePath  string
	KeyFilePath   string
	TrustedCAFile string
}

type BackoffConfig struct {
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
	JitterFraction float64
}

type Runtime struct {
	Done    chan struct{}
	Stop    chan os.Signal
	Context context.Context
	// client connection to the authority, set by InitClient
	Conn *grpc.ClientConn
}

type Config struct {
	// authority endpoint, tcp://host:port or unix://path
	Endpoint string
	// used by the in-memory authority
	ListenAddress string
	UseTLS        bool
	TLSConfig     TLSConfig

	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	MinRenewInterval time.Duration
	SendQueueSize    int
	RequireLeader    bool
	Backoff          BackoffConfig

	// empty disables the metrics listener
	MetricsAddress string

	Runtime Runtime
}

func NewConfig() *Config {
	return &Config{
		Endpoint:         DefaultEndpoint,
		ListenAddress:    DefaultListenAddress,
		DialTimeout:      DefaultDialTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		MinRenewInterval: DefaultMinRenewInterval,
		SendQueueSize:    DefaultSendQueueSize,
		Backoff: BackoffConfig{
			Initial:        DefaultBackoffInitial,
			Max:            DefaultBackoffMax,
			Multiplier:     DefaultBackoffMultiplier,
			JitterFraction: DefaultBackoffJitter,
		},
	}
}

// SplitAddress splits tcp://host:port or unix://path into network and address
func SplitAddress(s string) (string, string, error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 || len(parts[1]) == 0 {
		return "", "", fmt.Errorf("address %q is not in the form network://address", s)
	}

	switch parts[0] {
	case "tcp", "unix":
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("address %q: unsupported network %q (tcp or unix)", s, parts[0])
	}
}

func (c *Config) Validate() error {
	if len(c.Endpoint) == 0 {
		return fmt.Errorf("endpoint is required")
	}
	if _, _, err := SplitAddress(c.Endpoint); err != nil {
		return err
	}

	if len(c.ListenAddress) != 0 {
		if _, _, err := SplitAddress(c.ListenAddress); err != nil {
			return err
		}
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if c.MinRenewInterval <= 0 {
		return fmt.Errorf("min renew interval must be positive")
	}

	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}

	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("backoff requires 0 < initial <= max (got initial:%v max:%v)", c.Backoff.Initial, c.Backoff.Max)
	}

	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}

	if c.Backoff.JitterFraction < 0 || c.Backoff.JitterFraction > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1]")
	}

	if c.UseTLS {
		// cert and key come together, either both or none
		if (len(c.TLSConfig.CertFilePath) == 0) != (len(c.TLSConfig.KeyFilePath) == 0) {
			return fmt.Errorf("cert file and key file are required together when TLS is set to true")
		}

		if len(c.TLSConfig.TrustedCAFile) == 0 {
			return fmt.Errorf("trusted CA file is required when TLS is set to true")
		}
	}
	return nil
}

// InitRuntime wires the runtime context to SIGINT/SIGTERM
func (c *Config) InitRuntime() error {
	c.Runtime.Stop = make(chan os.Signal, 1)
	c.Runtime.Done = make(chan struct{}, 1)
	var cancel func()
	c.Runtime.Context, cancel = context.WithCancel(context.Background())

	signal.Notify(c.Runtime.Stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-c.Runtime.Stop
		cancel()
	}()
	return nil
}

// InitClient creates the client connection to Endpoint. The connection
// is lazy: it does not fail if the authority is not reachable yet.
func (c *Config) InitClient() error {
	opts, err := c.DialOptions()
	if err != nil {
		return err
	}

	target, err := c.dialTarget()
	if err != nil {
		return err
	}

	ctx := c.Runtime.Context
	if ctx == nil {
		ctx = context.Background()
	}

	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial %v with err:%w", c.Endpoint, err)
	}
	c.Runtime.Conn = conn
	return nil
}

func (c *Config) dialTarget() (string, error) {
	network, address, err := SplitAddress(c.Endpoint)
	if err != nil {
		return "", err
	}
	if network == "unix" {
		return "unix://" + address, nil
	}
	return address, nil
}

// DialOptions are the grpc client options derived from config
func (c *Config) DialOptions() ([]grpc.DialOption, error) {
	if !c.UseTLS {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}

	tlsConfig, err := c.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))}, nil
}

func (c *Config) ClientTLSConfig() (*tls.Config, error) {
	certPool, err := loadCertPool(c.TLSConfig.TrustedCAFile)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs:    certPool,
		MinVersion: tls.VersionTLS12,
	}

	if len(c.TLSConfig.CertFilePath) != 0 {
		cert, err := tls.LoadX509KeyPair(c.TLSConfig.CertFilePath, c.TLSConfig.KeyFilePath)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// ServerTLSConfig requires and verifies client certs signed by TrustedCAFile
func (c *Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLSConfig.CertFilePath, c.TLSConfig.KeyFilePath)
	if err != nil {
		return nil, err
	}

	certPool, err := loadCertPool(c.TLSConfig.TrustedCAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ok := certPool.AppendCertsFromPEM(bs); !ok {
		return nil, fmt.Errorf("failed to append certs from %v", path)
	}
	return certPool, nil
}

// Close releases the client connection if any
func (c *Config) Close() error {
	if c.Runtime.Conn == nil {
		return nil
	}
	return c.Runtime.Conn.Close()
}
