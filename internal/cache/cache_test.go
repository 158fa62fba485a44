package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvider()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "a", []byte("1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "b", []byte("2"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Fatalf("Get a = %q, %v", got, err)
	}
	got[0] = 'x'
	if again, _ := m.Get(ctx, "a"); string(again) != "1" {
		t.Fatalf("Get must return a copy, got %q", again)
	}

	now = now.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry miss, got %v", err)
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Fatalf("entry without ttl should persist: %v", err)
	}
	if err := m.Del(ctx, "b"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty cache, have %d", m.Len())
	}
}

func TestNewSelectsBackend(t *testing.T) {
	p, err := New("none", ValkeyConfig{})
	if err != nil {
		t.Fatalf("New none: %v", err)
	}
	if _, ok := p.(NoopProvider); !ok {
		t.Fatalf("expected NoopProvider, got %T", p)
	}
	if p, _ = New("Memory", ValkeyConfig{}); p == nil {
		t.Fatalf("expected memory provider")
	}
	if _, ok := p.(*MemoryProvider); !ok {
		t.Fatalf("expected MemoryProvider, got %T", p)
	}
	if _, err := New("valkey", ValkeyConfig{}); err == nil {
		t.Fatalf("expected error for valkey without addr")
	}
	if _, err := New("memcached", ValkeyConfig{}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	srv := newFakeValkey(t, "secret")
	p, err := NewValkeyProvider(ValkeyConfig{Addr: srv.addr, Password: "secret", DB: 2})
	if err != nil {
		t.Fatalf("NewValkeyProvider: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if _, err := p.Get(ctx, "series:hu"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	payload := []byte("{\"rows\":[[0,1,0]]}\r\nwith crlf")
	if err := p.Set(ctx, "series:hu", payload, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := p.Get(ctx, "series:hu")
	if err != nil || string(got) != string(payload) {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if srv.lastTTL() != "60000" {
		t.Fatalf("expected PX 60000, got %q", srv.lastTTL())
	}
	if err := p.Del(ctx, "series:hu"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := p.Get(ctx, "series:hu"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after Del, got %v", err)
	}
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	srv := newFakeValkey(t, "secret")
	if _, err := NewValkeyProvider(ValkeyConfig{Addr: srv.addr, Password: "wrong"}); err == nil {
		t.Fatalf("expected auth failure")
	}
}

type fakeValkey struct {
	addr     string
	password string

	mu   sync.Mutex
	data map[string]string
	ttl  string
}

func newFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	f := &fakeValkey{addr: ln.Addr().String(), password: password, data: make(map[string]string)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeValkey) lastTTL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttl
}

func (f *fakeValkey) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	authed := f.password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		cmd := strings.ToUpper(args[0])
		if !authed && cmd != "AUTH" && cmd != "PING" {
			fmt.Fprint(conn, "-NOAUTH Authentication required.\r\n")
			continue
		}
		f.mu.Lock()
		switch cmd {
		case "PING":
			fmt.Fprint(conn, "+PONG\r\n")
		case "AUTH":
			if args[len(args)-1] == f.password {
				authed = true
				fmt.Fprint(conn, "+OK\r\n")
			} else {
				fmt.Fprint(conn, "-WRONGPASS invalid password\r\n")
			}
		case "SELECT":
			fmt.Fprint(conn, "+OK\r\n")
		case "GET":
			if v, ok := f.data[args[1]]; ok {
				fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(v), v)
			} else {
				fmt.Fprint(conn, "$-1\r\n")
			}
		case "SET":
			f.data[args[1]] = args[2]
			if len(args) == 5 {
				f.ttl = args[4]
			}
			fmt.Fprint(conn, "+OK\r\n")
		case "DEL":
			delete(f.data, args[1])
			fmt.Fprint(conn, ":1\r\n")
		default:
			fmt.Fprintf(conn, "-ERR unknown command %s\r\n", cmd)
		}
		f.mu.Unlock()
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(head, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}
