package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/clustermeta/psscan/internal/message"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().String()
	host, port := splitHostPort(t, addr)

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- c
	}()

	client, err := Connect(host, port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg := message.New(message.TypeDirList).WithPaths([]string{"/a", "/b"})
	client.Send(msg)

	got := server.Recv()
	if got.Type() != message.TypeDirList {
		t.Fatalf("type = %q, want %q", got.Type(), message.TypeDirList)
	}
	paths := got.Paths()
	if len(paths) != 2 || paths[0] != "/a" || paths[1] != "/b" {
		t.Fatalf("paths = %v", paths)
	}
}

func TestRecvSyntheticClosedOnPeerDisconnect(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host, port := splitHostPort(t, ln.Addr().String())
	accepted := make(chan *Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := Connect(host, port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := <-accepted

	client.Close()

	done := make(chan message.Msg, 1)
	go func() { done <- server.Recv() }()

	select {
	case m := <-done:
		if m.Type() != message.TypeClosed {
			t.Fatalf("type = %q, want closed", m.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synthetic closed message")
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}
