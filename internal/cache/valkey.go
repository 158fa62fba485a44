package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
	// PoolSize caps idle connections kept for reuse.
	PoolSize int
}

func (c *ValkeyConfig) normalise() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
}

// ValkeyProvider implements Provider over RESP2 with a small idle-connection pool.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu     sync.Mutex
	idle   []*respConn
	closed bool
}

// NewValkeyProvider pings the target so bad credentials or addresses fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.normalise()
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != kindSimple || string(reply.data) != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	}
	return nil, fmt.Errorf("unexpected valkey reply %q for GET", reply.kind)
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return err
	}
	if reply.kind != kindSimple || string(reply.data) != "OK" {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// Del removes a key from the cache.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close drops pooled connections.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.conn.Close()
	}
	return nil
}

// do runs one command, retrying transient network errors on a fresh connection.
func (p *ValkeyProvider) do(ctx context.Context, cmd string, args ...string) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		c, err := p.acquire(ctx)
		if err == nil {
			var reply respReply
			reply, err = c.roundTrip(p.cfg, cmd, args...)
			if err == nil {
				p.release(c)
				return reply, nil
			}
			_ = c.conn.Close()
			var serverErr respError
			if errors.As(err, &serverErr) {
				return respReply{}, err
			}
		}
		lastErr = err
		if !retryable(err) {
			return respReply{}, err
		}
		select {
		case <-ctx.Done():
			return respReply{}, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 25 * time.Millisecond):
		}
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*respConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("valkey provider closed")
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *ValkeyProvider) release(c *respConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.cfg.PoolSize {
		_ = c.conn.Close()
		return
	}
	p.idle = append(p.idle, c)
}

func (p *ValkeyProvider) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	c := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if err := c.handshake(p.cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

type replyKind string

const (
	kindSimple  replyKind = "+"
	kindBulk    replyKind = "$"
	kindInteger replyKind = ":"
	kindNil     replyKind = "_"
)

type respReply struct {
	kind replyKind
	data []byte
}

// respError is an error reply sent by the server.
type respError string

func (e respError) Error() string { return string(e) }

type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (c *respConn) handshake(cfg ValkeyConfig) error {
	if cfg.Password != "" {
		args := []string{cfg.Password}
		if cfg.Username != "" {
			args = []string{cfg.Username, cfg.Password}
		}
		if err := c.expectOK(cfg, "AUTH", args...); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if cfg.DB > 0 {
		if err := c.expectOK(cfg, "SELECT", strconv.Itoa(cfg.DB)); err != nil {
			return fmt.Errorf("select db %d: %w", cfg.DB, err)
		}
	}
	return nil
}

func (c *respConn) expectOK(cfg ValkeyConfig, cmd string, args ...string) error {
	reply, err := c.roundTrip(cfg, cmd, args...)
	if err != nil {
		return err
	}
	if reply.kind != kindSimple || !strings.EqualFold(string(reply.data), "OK") {
		return fmt.Errorf("unexpected %s response: %s", cmd, reply.data)
	}
	return nil
}

func (c *respConn) roundTrip(cfg ValkeyConfig, cmd string, args ...string) (respReply, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
		return respReply{}, err
	}
	fmt.Fprintf(c.w, "*%d\r\n$%d\r\n%s\r\n", len(args)+1, len(cmd), cmd)
	for _, a := range args {
		fmt.Fprintf(c.w, "$%d\r\n%s\r\n", len(a), a)
	}
	if err := c.w.Flush(); err != nil {
		return respReply{}, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return c.read()
}

func (c *respConn) read() (respReply, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return respReply{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return respReply{}, errors.New("empty RESP line")
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return respReply{kind: kindSimple, data: []byte(body)}, nil
	case '-':
		return respReply{}, respError(body)
	case ':':
		return respReply{kind: kindInteger, data: []byte(body)}, nil
	case '$':
		size, err := strconv.Atoi(body)
		if err != nil {
			return respReply{}, fmt.Errorf("bad bulk length %q: %w", body, err)
		}
		if size < 0 {
			return respReply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return respReply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return respReply{}, errors.New("invalid bulk termination")
		}
		return respReply{kind: kindBulk, data: buf[:size]}, nil
	}
	return respReply{}, fmt.Errorf("unexpected RESP prefix %q", line[0])
}
