package rcon

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// testServer speaks just enough of the console protocol to exercise the
// client: auth per the engine's quirky sequence, then command echo through
// a handler func.
type testServer struct {
	ln       net.Listener
	password string
	handle   func(command string) string
	mute     bool // accept commands but never respond
}

func newTestServer(t *testing.T, password string, handle func(string) string) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{ln: ln, password: password, handle: handle}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *testServer) session(conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := readPacket(conn)
		if err != nil {
			return
		}
		switch pkt.typ {
		case typeAuth:
			// The engine answers auth with an empty response value first,
			// then the auth response proper.
			_ = writePacket(conn, packet{id: pkt.id, typ: typeResponseValue})
			id := pkt.id
			if pkt.body != s.password {
				id = authFailedID
			}
			_ = writePacket(conn, packet{id: id, typ: typeAuthResponse})
			if id == authFailedID {
				return
			}
		case typeExecCommand:
			if s.mute {
				continue
			}
			body := ""
			if s.handle != nil {
				body = s.handle(pkt.body)
			}
			_ = writePacket(conn, packet{id: pkt.id, typ: typeResponseValue, body: body})
		}
	}
}

func TestDialExec(t *testing.T) {
	srv := newTestServer(t, "sesame", func(cmd string) string {
		return "saw:" + cmd
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.addr(), "sesame")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 3; i++ {
		out, err := c.Exec(ctx, "/silent-command rcon.print(game.tick)")
		if err != nil {
			t.Fatalf("exec %d: %v", i, err)
		}
		if !strings.HasPrefix(out, "saw:") {
			t.Fatalf("out = %q", out)
		}
	}
}

func TestDialAuthFailure(t *testing.T) {
	srv := newTestServer(t, "sesame", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, srv.addr(), "wrong")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
}

func TestDialConnectionRefused(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, addr, "x")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
}

func TestExecTimeout(t *testing.T) {
	srv := newTestServer(t, "sesame", nil)
	srv.mute = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.addr(), "sesame")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	execCtx, execCancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer execCancel()
	_, err = c.Exec(execCtx, "anything")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if !te.Timeout() {
		t.Fatalf("expected timeout classification, got %v", te)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t, "sesame", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.addr(), "sesame")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Exec(ctx, "x"); err == nil {
		t.Fatalf("exec after close should fail")
	}
}
