package command

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/clustermeta/psscan/internal/message"
	"github.com/clustermeta/psscan/internal/transport"
)

func listen(t *testing.T) (*transport.Listener, string, int) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return ln, host, port
}

func TestSendDeliversCommandMessage(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	received := make(chan message.Msg, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		received <- conn.Recv()
	}()

	if err := Send(host, port, Quit, 200*time.Millisecond); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-received:
		if m.Type() != message.TypeCommand {
			t.Fatalf("type = %q, want command", m.Type())
		}
		if m.Command() != Quit {
			t.Fatalf("cmd = %q, want quit", m.Command())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator side never received the command")
	}
}

func TestSendRejectsUnknownCommand(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	err := Send(host, port, "not-a-real-command", 0)
	if err == nil {
		t.Fatal("expected an error for an unrecognized command")
	}
	var unknown *ErrUnknownCommand
	if !asUnknownCommand(err, &unknown) {
		t.Fatalf("err = %v, want *ErrUnknownCommand", err)
	}
}

func asUnknownCommand(err error, target **ErrUnknownCommand) bool {
	u, ok := err.(*ErrUnknownCommand)
	if !ok {
		return false
	}
	*target = u
	return true
}

func TestSendReturnsOnDumpStateReplyWithoutBlockingPastWait(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.Recv()
		conn.Send(message.New(message.TypeStats).WithStatsData(map[string]any{
			"dirs_processed": int64(3), "files_processed": int64(10),
		}))
	}()

	start := time.Now()
	if err := Send(host, port, DumpState, time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Send blocked for %v, want well under the wait ceiling", elapsed)
	}
}

func TestSendDoesNotBlockPastWaitWhenCoordinatorNeverResponds(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Accept but never close or respond; Send must still return
		// once its wait elapses.
		_ = conn
	}()

	start := time.Now()
	if err := Send(host, port, ToggleDebug, 100*time.Millisecond); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Send blocked for %v, want ~wait duration", elapsed)
	}
}
