package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort           = 8728
	DefaultConnectTimeout = 15 * time.Second
	DefaultQueryTimeout   = 20 * time.Second
	DefaultPingCount      = 3
)

// Config holds the process-wide API settings shared by every router.
type Config struct {
	Port           int
	Username       string
	Password       string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	PingCount      int
	Preflight      PreflightConfig
}

// PreflightConfig enables a single ICMP echo to the router before dialing,
// so unreachable routers fail fast instead of waiting for the TCP timeout.
type PreflightConfig struct {
	Enabled    bool
	Privileged bool
	Timeout    time.Duration
}

// api is the subset of the RouterOS client a Conn needs.
type api struct {
	run   func(sentence []string) ([]Record, error)
	close func()
}

type dialFunc func(address, username, password string, timeout time.Duration) (*api, error)

type pingFunc func(ctx context.Context, host string, cfg PreflightConfig) error

// Client dials routers with the shared credentials. It holds no connection
// itself; every Dial returns an exclusive Conn.
type Client struct {
	cfg  Config
	log  *logrus.Entry
	dial dialFunc
	ping pingFunc
}

// NewClient creates a router client.
func NewClient(cfg Config, log *logrus.Entry) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 || cfg.ConnectTimeout > DefaultConnectTimeout {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueryTimeout <= 0 || cfg.QueryTimeout > DefaultQueryTimeout {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = DefaultPingCount
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:  cfg,
		log:  log.WithField("component", "routeros"),
		dial: dialRouterOS,
		ping: icmpPreflight,
	}
}

// PingCount is the number of echo requests issued by Conn.Ping callers.
func (c *Client) PingCount() int {
	return c.cfg.PingCount
}

// Dial opens a connection to the router at host. The caller owns the Conn and
// must Close it.
func (c *Client) Dial(ctx context.Context, host string) (*Conn, error) {
	if host == "" {
		return nil, &ConnectionError{Host: host, Err: errors.New("empty router address")}
	}

	if c.cfg.Preflight.Enabled {
		if err := c.ping(ctx, host, c.cfg.Preflight); err != nil {
			return nil, &ConnectionError{Host: host, Err: fmt.Errorf("preflight: %w", err)}
		}
	}

	timeout := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, &TimeoutError{Op: "connect " + host, After: 0, Err: context.DeadlineExceeded}
	}

	address := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
	c.log.WithField("router", address).Debug("dialing router")

	conn, err := c.dial(address, c.cfg.Username, c.cfg.Password, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &TimeoutError{Op: "connect " + address, After: timeout, Err: err}
		}
		return nil, &ConnectionError{Host: address, Err: err}
	}

	return &Conn{
		host:         address,
		api:          conn,
		queryTimeout: c.cfg.QueryTimeout,
	}, nil
}

// Conn is one open RouterOS API session. It is not safe for concurrent use.
type Conn struct {
	host         string
	api          *api
	queryTimeout time.Duration

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// ActiveSessions lists PPP active sessions with the given name.
func (c *Conn) ActiveSessions(ctx context.Context, name string) ([]Record, error) {
	return c.run(ctx, "ppp active lookup", "/ppp/active/print", "?name="+name)
}

// Interfaces lists interfaces with the given name.
func (c *Conn) Interfaces(ctx context.Context, name string) ([]Record, error) {
	return c.run(ctx, "interface lookup", "/interface/print", "?name="+name)
}

// Ping asks the router to send count echo requests to address. One record is
// returned per attempt; answered attempts carry a "time" attribute.
func (c *Conn) Ping(ctx context.Context, address string, count int) ([]Record, error) {
	if count <= 0 {
		count = DefaultPingCount
	}
	return c.run(ctx, "ping "+address, "/ping", "=address="+address, "=count="+strconv.Itoa(count))
}

// Host is the router address this connection was dialed to.
func (c *Conn) Host() string { return c.host }

// Close releases the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.api.close()
	})
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) run(ctx context.Context, op string, sentence ...string) ([]Record, error) {
	if c.isClosed() {
		return nil, &ProtocolError{Op: op, Err: errConnClosed}
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	type result struct {
		records []Record
		err     error
	}
	done := make(chan result, 1)
	go func() {
		records, err := c.api.run(sentence)
		done <- result{records: records, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &ProtocolError{Op: op, Err: res.err}
		}
		return res.records, nil
	case <-ctx.Done():
		// Closing the socket unblocks the pending read in the goroutine above.
		_ = c.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: op, After: c.queryTimeout, Err: ctx.Err()}
		}
		return nil, &ProtocolError{Op: op, Err: ctx.Err()}
	}
}

func dialRouterOS(address, username, password string, timeout time.Duration) (*api, error) {
	client, err := routeros.DialTimeout(address, username, password, timeout)
	if err != nil {
		return nil, err
	}
	return &api{
		run: func(sentence []string) ([]Record, error) {
			reply, err := client.RunArgs(sentence)
			if err != nil {
				return nil, err
			}
			records := make([]Record, 0, len(reply.Re))
			for _, re := range reply.Re {
				records = append(records, Record(re.Map))
			}
			return records, nil
		},
		close: func() { client.Close() },
	}, nil
}

func icmpPreflight(ctx context.Context, host string, cfg PreflightConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}
	pinger.Count = 1
	pinger.Timeout = cfg.Timeout
	pinger.SetPrivileged(cfg.Privileged)
	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if stats := pinger.Statistics(); stats.PacketsRecv == 0 {
		return fmt.Errorf("no echo reply within %s", cfg.Timeout)
	}
	return nil
}
