// Package command implements the one-shot command client (spec §4.7,
// component C7): dial the coordinator, send a single `command` message,
// wait briefly for a first message back (or the connection closing) or a
// timeout, disconnect.
// Grounded on eargollo-ditto/cmd/ditto/main.go's runScan: a short
// synchronous operation driven directly from main with no long-lived
// server loop of its own.
package command

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/clustermeta/psscan/internal/message"
	"github.com/clustermeta/psscan/internal/stats"
	"github.com/clustermeta/psscan/internal/transport"
)

// Operator commands a command client may issue (spec §6.3).
const (
	Quit        = message.CmdQuit
	DumpState   = message.CmdDumpState
	ToggleDebug = message.CmdToggleDebug
)

// ErrUnknownCommand is returned by Send for any cmd other than the three
// recognized operator commands.
type ErrUnknownCommand struct {
	Cmd string
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("command: unrecognized command %q", e.Cmd)
}

// Send dials host:port, issues cmd, and disconnects. It waits up to
// wait for the first message on the connection (a dumpstate stats
// reply, which it prints, any other message, or the synthetic closed
// message), but a timeout is not treated as failure: the command was delivered
// over the framed transport's FIFO-ordered send queue either way.
// correlationID is attached so multiple command invocations are
// distinguishable in the coordinator's log (spec's opaque per-command
// identifier).
func Send(host string, port int, cmd string, wait time.Duration) error {
	switch cmd {
	case Quit, DumpState, ToggleDebug:
	default:
		return &ErrUnknownCommand{Cmd: cmd}
	}

	conn, err := transport.Connect(host, port)
	if err != nil {
		return fmt.Errorf("command: connect to %s:%d: %w", host, port, err)
	}
	defer conn.Close()

	correlationID := uuid.New()
	m := message.New(message.TypeCommand).WithCommand(cmd)
	conn.Send(withCorrelationID(m, correlationID))

	if wait <= 0 {
		return nil
	}
	deadline := time.After(wait)
	done := make(chan message.Msg, 1)
	go func() { done <- conn.Recv() }()
	select {
	case resp := <-done:
		if cmd == DumpState && resp.Type() == message.TypeStats {
			printReport(resp)
		}
	case <-deadline:
	}
	return nil
}

// printReport renders a dump_state reply's stats snapshot the way an
// operator reads it from a terminal: humanized counters instead of raw
// integers.
func printReport(m message.Msg) {
	snap := stats.SnapshotFromMap(m.StatsData())
	fmt.Printf("coordinator report\n")
	fmt.Printf("  dirs processed:  %s\n", humanize.Comma(snap.DirsProcessed))
	fmt.Printf("  files processed: %s\n", humanize.Comma(snap.FilesProcessed))
	fmt.Printf("  files skipped:   %s\n", humanize.Comma(snap.FilesSkipped))
	fmt.Printf("  total size:      %s\n", humanize.Bytes(uint64(snap.FileSizeTotal)))
}

// withCorrelationID is unexported: it is an implementation detail of how
// this client tags its own requests, not part of the message package's
// documented accessor set.
func withCorrelationID(m message.Msg, id uuid.UUID) message.Msg {
	m["correlation_id"] = id.String()
	return m
}
