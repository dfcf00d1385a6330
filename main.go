package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	klogv2 "k8s.io/klog/v2"

	"github.com/urfave/cli"

	"github.com/khenidak/leasekeeper/pkg/authority"
	"github.com/khenidak/leasekeeper/pkg/config"
	"github.com/khenidak/leasekeeper/pkg/keepalive"
	"github.com/khenidak/leasekeeper/pkg/leaseclient"
	"github.com/khenidak/leasekeeper/pkg/retryable"
	"github.com/khenidak/leasekeeper/pkg/transport"
	"github.com/khenidak/leasekeeper/pkg/types"
)

// version mgmt, set in makefile
var Version string
var Buildtime string

func main() {
	config := config.NewConfig()

	var ttl int64
	var leaseID string
	var revokeOnExit bool
	var withKeys bool

	app := cli.NewApp()
	app.Name = "leasekeeper"
	app.Usage = "keeps etcd leases alive over a single multiplexed stream"
	app.Commands = []cli.Command{
		{
			Name:  "keepalive",
			Usage: "grants a lease and keeps it alive until interrupted",
			Flags: append(getClientFlags(config),
				cli.Int64Flag{
					Name:        "ttl",
					Usage:       "requested ttl in seconds",
					Value:       10,
					Destination: &ttl,
				},
				cli.StringFlag{
					Name:        "id",
					Usage:       "lease id (hex), empty lets the authority pick one",
					Destination: &leaseID,
				},
				cli.BoolFlag{
					Name:        "revoke-on-exit",
					Usage:       "revoke the lease when interrupted",
					Destination: &revokeOnExit,
				},
				cli.StringFlag{
					Name:        "metrics-address",
					Usage:       "serve /metrics on this address (host:port), empty disables",
					Destination: &config.MetricsAddress,
				},
			),
			Action: func(c *cli.Context) error {
				id, err := parseOptionalLeaseID(leaseID)
				if err != nil {
					return err
				}
				return runKeepAlive(config, ttl, id, revokeOnExit)
			},
		},
		{
			Name:  "grant",
			Usage: "grants a lease",
			Flags: append(getClientFlags(config),
				cli.Int64Flag{
					Name:        "ttl",
					Usage:       "requested ttl in seconds",
					Value:       10,
					Destination: &ttl,
				},
				cli.StringFlag{
					Name:        "id",
					Usage:       "lease id (hex), empty lets the authority pick one",
					Destination: &leaseID,
				},
			),
			Action: func(c *cli.Context) error {
				id, err := parseOptionalLeaseID(leaseID)
				if err != nil {
					return err
				}
				return withClient(config, func(ctx context.Context, client *leaseclient.Client) error {
					resp, err := client.Grant(ctx, ttl, id)
					if err != nil {
						return err
					}
					fmt.Printf("lease %016x granted with TTL(%ds)\n", resp.ID, resp.TTL)
					return nil
				})
			},
		},
		{
			Name:      "revoke",
			Usage:     "revokes a lease",
			ArgsUsage: "<lease id (hex)>",
			Flags:     getClientFlags(config),
			Action: func(c *cli.Context) error {
				id, err := parseLeaseID(c.Args().First())
				if err != nil {
					return err
				}
				return withClient(config, func(ctx context.Context, client *leaseclient.Client) error {
					if err := client.Revoke(ctx, id); err != nil {
						return err
					}
					fmt.Printf("lease %016x revoked\n", id)
					return nil
				})
			},
		},
		{
			Name:      "ttl",
			Usage:     "prints the remaining ttl of a lease",
			ArgsUsage: "<lease id (hex)>",
			Flags: append(getClientFlags(config),
				cli.BoolFlag{
					Name:        "keys",
					Usage:       "also print the keys attached to the lease",
					Destination: &withKeys,
				},
			),
			Action: func(c *cli.Context) error {
				id, err := parseLeaseID(c.Args().First())
				if err != nil {
					return err
				}
				return withClient(config, func(ctx context.Context, client *leaseclient.Client) error {
					resp, err := client.TimeToLive(ctx, id, withKeys)
					if err != nil {
						return err
					}
					if resp.TTL == -1 {
						fmt.Printf("lease %016x already expired\n", id)
						return nil
					}
					fmt.Printf("lease %016x granted with TTL(%ds), remaining(%ds)\n", id, resp.GrantedTTL, resp.TTL)
					for _, k := range resp.Keys {
						fmt.Printf("  %s\n", k)
					}
					return nil
				})
			},
		},
		{
			Name:  "leases",
			Usage: "lists all leases held by the authority",
			Flags: getClientFlags(config),
			Action: func(c *cli.Context) error {
				return withClient(config, func(ctx context.Context, client *leaseclient.Client) error {
					ids, err := client.Leases(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("found %d leases\n", len(ids))
					for _, id := range ids {
						fmt.Printf("%016x\n", id)
					}
					return nil
				})
			},
		},
		{
			Name:  "authority",
			Usage: "runs an in-memory lease authority",
			Flags: getAuthorityFlags(config),
			Action: func(c *cli.Context) error {
				return runAuthority(config)
			},
		},
		{
			Name:  "version",
			Usage: "prints version and build time of this binary",
			Action: func(c *cli.Context) error {
				fmt.Printf("Version: %s\n", Version)
				fmt.Printf("BuildTime: %s\n", Buildtime)
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		klogv2.Errorf("failed to run app with err:%v", err)
		klogv2.Flush()
		os.Exit(1)
	}
	klogv2.Flush()
}

func parseLeaseID(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("lease id is required")
	}
	id, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad lease id %q with err:%v", s, err)
	}
	return id, nil
}

func parseOptionalLeaseID(s string) (int64, error) {
	if len(s) == 0 {
		return 0, nil
	}
	return parseLeaseID(s)
}

// startClient validates config, wires signals and dials the authority
func startClient(c *config.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.InitRuntime(); err != nil {
		return err
	}

	// lazy, an unreachable authority shows up on the first call
	return c.InitClient()
}

func withClient(c *config.Config, fn func(ctx context.Context, client *leaseclient.Client) error) error {
	if err := startClient(c); err != nil {
		return err
	}
	defer c.Close()

	client := leaseclient.New(c.Runtime.Conn, leaseclient.WithRequestTimeout(c.RequestTimeout))
	return fn(c.Runtime.Context, client)
}

func newManager(c *config.Config, reg prometheus.Registerer) (*keepalive.Manager, error) {
	dialer := transport.NewGRPCDialer(c.Runtime.Conn, transport.WithRequireLeader(c.RequireLeader))

	return keepalive.NewManager(c.Runtime.Context, dialer,
		keepalive.WithMinRenewInterval(c.MinRenewInterval),
		keepalive.WithDialTimeout(c.DialTimeout),
		keepalive.WithSendQueueSize(c.SendQueueSize),
		keepalive.WithBackoff(retryable.Backoff{
			Initial:        c.Backoff.Initial,
			Max:            c.Backoff.Max,
			Multiplier:     c.Backoff.Multiplier,
			JitterFraction: c.Backoff.JitterFraction,
		}),
		keepalive.WithRegisterer(reg),
	)
}

func runKeepAlive(c *config.Config, ttl int64, id int64, revokeOnExit bool) error {
	if err := startClient(c); err != nil {
		return err
	}
	defer c.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if len(c.MetricsAddress) != 0 {
		stopMetrics := serveMetrics(c.MetricsAddress, reg)
		defer stopMetrics()
	}

	m, err := newManager(c, reg)
	if err != nil {
		return err
	}
	defer m.Close()

	client := leaseclient.New(c.Runtime.Conn, leaseclient.WithRequestTimeout(c.RequestTimeout))
	grant, h, err := client.GrantAndKeepAlive(c.Runtime.Context, m, ttl, id)
	if err != nil {
		return err
	}
	klogv2.Infof("lease %016x granted with TTL(%ds), keeping it alive", grant.ID, grant.TTL)

	for e := range h.Events() {
		switch e.Kind {
		case types.EventRenewed:
			klogv2.V(2).Infof("lease %016x renewed TTL(%ds) until %v", e.ID, e.TTL, e.Deadline.Format(time.RFC3339))
		case types.EventManagerClosed:
			klogv2.Infof("lease %016x no longer kept alive: %v", e.ID, e.Kind)
		default:
			return fmt.Errorf("lease %016x lost: %v", e.ID, e.Kind)
		}
	}

	if revokeOnExit {
		// the runtime context is gone by now
		ctx, cancel := context.WithTimeout(context.Background(), c.RequestTimeout)
		defer cancel()
		if err := client.Revoke(ctx, grant.ID); err != nil {
			return err
		}
		klogv2.Infof("lease %016x revoked", grant.ID)
	}
	return nil
}

func serveMetrics(address string, reg *prometheus.Registry) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		klogv2.Infof("serving metrics on %s/metrics", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klogv2.Errorf("metrics server failed with err:%v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func runAuthority(c *config.Config) error {
	// the authority has no upstream, endpoint only has to be well formed
	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.InitRuntime(); err != nil {
		return err
	}

	a, err := authority.NewAuthority(c)
	if err != nil {
		return err
	}

	if err := a.StartListening(); err != nil {
		return err
	}

	<-c.Runtime.Done
	return nil
}

func getTLSFlags(config *config.Config) []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{
			Name:        "use-tls",
			Destination: &config.UseTLS,
		},

		cli.StringFlag{
			Name:        "cert-file",
			Usage:       "path to the TLS cert file",
			Destination: &config.TLSConfig.CertFilePath,
		},

		cli.StringFlag{
			Name:        "key-file",
			Usage:       "path to the TLS key file",
			Destination: &config.TLSConfig.KeyFilePath,
		},

		cli.StringFlag{
			Name:        "trusted-ca-file",
			Usage:       "path to the CA used to verify the peer",
			Destination: &config.TLSConfig.TrustedCAFile,
		},
	}
}

func getClientFlags(config *config.Config) []cli.Flag {
	flags := []cli.Flag{
		cli.StringFlag{
			Name:        "endpoint",
			Usage:       "authority endpoint tcp://host:port or unix://path",
			Value:       config.Endpoint,
			Destination: &config.Endpoint,
		},

		cli.DurationFlag{
			Name:        "dial-timeout",
			Usage:       "bound on opening a keep-alive stream",
			Value:       config.DialTimeout,
			Destination: &config.DialTimeout,
		},

		cli.DurationFlag{
			Name:        "request-timeout",
			Usage:       "bound on every unary lease call",
			Value:       config.RequestTimeout,
			Destination: &config.RequestTimeout,
		},

		cli.DurationFlag{
			Name:        "min-renew-interval",
			Usage:       "renewals are never more frequent than this",
			Value:       config.MinRenewInterval,
			Destination: &config.MinRenewInterval,
		},

		cli.IntFlag{
			Name:        "send-queue-size",
			Usage:       "outbound keep-alive requests queued before renewals are throttled",
			Value:       config.SendQueueSize,
			Destination: &config.SendQueueSize,
		},

		cli.BoolFlag{
			Name:        "require-leader",
			Usage:       "fail keep-alive streams when the authority has no leader",
			Destination: &config.RequireLeader,
		},

		cli.DurationFlag{
			Name:        "backoff-initial",
			Usage:       "first reconnect wait",
			Value:       config.Backoff.Initial,
			Destination: &config.Backoff.Initial,
		},

		cli.DurationFlag{
			Name:        "backoff-max",
			Usage:       "longest reconnect wait",
			Value:       config.Backoff.Max,
			Destination: &config.Backoff.Max,
		},

		cli.Float64Flag{
			Name:        "backoff-multiplier",
			Value:       config.Backoff.Multiplier,
			Destination: &config.Backoff.Multiplier,
		},

		cli.Float64Flag{
			Name:        "backoff-jitter",
			Usage:       "fraction of every reconnect wait randomly taken off, [0, 1]",
			Value:       config.Backoff.JitterFraction,
			Destination: &config.Backoff.JitterFraction,
		},
	}
	return append(flags, getTLSFlags(config)...)
}

func getAuthorityFlags(config *config.Config) []cli.Flag {
	flags := []cli.Flag{
		cli.StringFlag{
			Name:        "listen-address",
			Value:       config.ListenAddress,
			Destination: &config.ListenAddress,
		},
	}
	return append(flags, getTLSFlags(config)...)
}
