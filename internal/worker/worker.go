// Package worker implements the worker node (spec §4.4, component C4):
// it owns a scanner engine, a sink forwarder, and one transport
// connection to the coordinator, and runs the single-threaded event
// loop that translates control messages into engine operations and
// reports status back. Grounded on eargollo-ditto's
// internal/server/server.go Run(ctx) — a context-driven lifecycle
// loop — generalized from ditto's "one HTTP server, one scan at a
// time" shape to "one transport connection, periodic timers, a
// message-driven state machine".
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/clustermeta/psscan/internal/engine"
	"github.com/clustermeta/psscan/internal/handler"
	"github.com/clustermeta/psscan/internal/logging"
	"github.com/clustermeta/psscan/internal/message"
	"github.com/clustermeta/psscan/internal/sink"
	"github.com/clustermeta/psscan/internal/transport"
)

// State is the worker's state machine (spec §4.4 "Transitions").
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateIdle
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// Config holds the worker's periodic-timer intervals (spec §4.4).
type Config struct {
	StatsInterval      time.Duration
	DirOutputInterval  time.Duration
	DirRequestInterval time.Duration
	PollInterval       time.Duration
	FlushDeadline      time.Duration
	// DefaultSolicitPct is used when a client_req_dir_list arrives
	// without an explicit pct field.
	DefaultSolicitPct float64
}

// DefaultConfig returns the spec's stated worker timer defaults.
func DefaultConfig() Config {
	return Config{
		StatsInterval:      10 * time.Second,
		DirOutputInterval:  5 * time.Second,
		DirRequestInterval: 2 * time.Second,
		PollInterval:       time.Second,
		FlushDeadline:      120 * time.Second,
		DefaultSolicitPct:  0.5,
	}
}

// Worker is the worker node (C4).
type Worker struct {
	cfg     Config
	conn    *transport.Conn
	engine  *engine.Engine
	fwd     *sink.Forwarder
	shared  *handler.SharedState // for config_update's client_config, may be nil
	log     *logging.Logger

	state     atomic.Int32
	lastReqWork time.Time
}

// New builds a Worker. shared may be nil if the handler has no
// reconfigurable options.
func New(cfg Config, conn *transport.Conn, eng *engine.Engine, fwd *sink.Forwarder, shared *handler.SharedState, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.New("worker")
	}
	w := &Worker{cfg: cfg, conn: conn, engine: eng, fwd: fwd, shared: shared, log: log}
	w.state.Store(int32(StateStarting))
	return w
}

// State reports the worker's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Run drives the worker's event loop until ctx is cancelled, the
// coordinator sends client_quit, or the transport closes. It returns
// nil on a clean quit/close, or ctx.Err() on external cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.engine.Start(ctx)

	msgCh := make(chan message.Msg)
	go func() {
		for {
			m := w.conn.Recv()
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
			if m.Type() == message.TypeClosed {
				return
			}
		}
	}()

	statsTicker := time.NewTicker(w.cfg.StatsInterval)
	defer statsTicker.Stop()
	dirTicker := time.NewTicker(w.cfg.DirOutputInterval)
	defer dirTicker.Stop()
	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(false)
			return ctx.Err()

		case m := <-msgCh:
			if stop := w.handleMessage(m); stop {
				return nil
			}

		case <-statsTicker.C:
			w.sendStats()

		case <-dirTicker.C:
			w.sendDirCount()

		case <-pollTicker.C:
			w.checkIdleTransition()
			w.maybeRequestWork()
		}
	}
}

// handleMessage processes one control-plane message (spec §6.1) and
// reports whether the event loop should stop.
func (w *Worker) handleMessage(m message.Msg) bool {
	switch m.Type() {
	case message.TypeDirList:
		paths := m.Paths()
		if len(paths) == 0 {
			return false
		}
		w.engine.AddScanPath(paths...)
		if w.State() == StateStarting || w.State() == StateIdle {
			w.setState(StateRunning)
		}

	case message.TypeReqDirList:
		pct := m.Pct()
		if pct <= 0 {
			pct = w.cfg.DefaultSolicitPct
		}
		items := w.engine.GetDirQueueItems(1, pct)
		if len(items) > 0 {
			w.conn.Send(message.New(message.TypeDirList).WithPaths(items))
		}

	case message.TypeQuit:
		w.shutdown(true)
		w.setState(StateStopped)
		return true

	case message.TypeConfig:
		w.applyConfigUpdate(m.Config())

	case message.TypeDebug:
		if m.DebugDumpState() {
			w.log.Infof("state dump: state=%s dir_queue=%d file_queue=%d processing=%v",
				w.State(), w.engine.GetDirQueueSize(), w.engine.GetFileQueueSize(), w.engine.IsProcessing())
		}

	case message.TypeCommand:
		switch m.Command() {
		case message.CmdQuit:
			w.shutdown(true)
			w.setState(StateStopped)
			return true
		case message.CmdDumpState:
			w.log.Infof("state dump: state=%s dir_queue=%d file_queue=%d", w.State(), w.engine.GetDirQueueSize(), w.engine.GetFileQueueSize())
		case message.CmdToggleDebug:
			if w.log.Level() == logging.LevelDebug {
				w.log.SetLevel(logging.LevelInfo)
			} else {
				w.log.SetLevel(logging.LevelDebug)
			}
		default:
			w.log.Warnf("unknown operator command %q, ignored", m.Command())
		}

	case message.TypeClosed:
		w.shutdown(false)
		w.setState(StateStopped)
		return true

	default:
		w.log.Warnf("unknown message type %q, ignored", m.Type())
	}
	return false
}

// applyConfigUpdate handles config_update's recognized keys (spec
// §4.4). client_config is forwarded to the handler's options, but per
// the source's own TODO (spec §9 Design Notes), the forwarder pool is
// not torn down and rebuilt here: the new options take effect for
// batches processed from this point on, not for in-flight ones.
func (w *Worker) applyConfigUpdate(cfg map[string]any) {
	if cfg == nil {
		return
	}
	if lvl, ok := cfg["log_level"].(string); ok {
		w.log.SetLevel(logging.ParseLevel(lvl))
	}
	if clientCfg, ok := cfg["client_config"].(map[string]any); ok && w.shared != nil && w.shared.Options != nil {
		if idx, ok := clientCfg["index_name"].(string); ok {
			w.shared.Options.IndexName = idx
		}
		if mfps, ok := clientCfg["max_files_per_second"].(float64); ok {
			w.shared.Options.MaxFilesPerSecond = int(mfps)
			w.shared.SetMaxFilesPerSecond(w.shared.Options.MaxFilesPerSecond)
		}
		w.log.Infof("client_config applied: index_name=%s max_files_per_second=%d", w.shared.Options.IndexName, w.shared.Options.MaxFilesPerSecond)
	}
}

func (w *Worker) setState(s State) {
	if w.State() == s {
		return
	}
	w.state.Store(int32(s))
	switch s {
	case StateRunning:
		w.conn.Send(message.New(message.TypeStateRunning))
	case StateIdle:
		w.conn.Send(message.New(message.TypeStateIdle))
		w.sendStats() // spec §4.4: send stats on every transition into idle
	case StateStopped:
		w.conn.Send(message.New(message.TypeStateStopped))
	}
}

func (w *Worker) checkIdleTransition() {
	if w.State() != StateRunning {
		return
	}
	if !w.engine.IsProcessing() && w.engine.GetDirQueueSize() == 0 && w.engine.GetFileQueueSize() == 0 {
		w.setState(StateIdle)
	}
}

func (w *Worker) maybeRequestWork() {
	if w.State() == StateStopped {
		return
	}
	if w.engine.GetDirQueueSize() > 0 {
		return
	}
	if time.Since(w.lastReqWork) < w.cfg.DirRequestInterval {
		return
	}
	w.lastReqWork = time.Now()
	w.conn.Send(message.New(message.TypeReqDirList))
}

func (w *Worker) sendStats() {
	snap := w.engine.GetStats()
	if w.fwd != nil {
		sent, dropped, retries, pending := w.fwd.Stats()
		if snap.Custom == nil {
			snap.Custom = map[string]int64{}
		}
		snap.Custom["sink_sent"] = sent
		snap.Custom["sink_dropped"] = dropped
		snap.Custom["sink_retries"] = retries
		snap.Custom["sink_pending"] = pending
	}
	w.conn.Send(message.New(message.TypeStats).WithStatsData(snap.ToMap()))
}

func (w *Worker) sendDirCount() {
	w.conn.Send(message.New(message.TypeDirCount).WithIntData(int64(w.engine.GetDirQueueSize())))
}

// shutdown tears the engine and sink down. flush controls whether the
// sink forwarder drains its queue (spec §4.3's EXIT{flush}).
func (w *Worker) shutdown(flush bool) {
	w.engine.Terminate()
	if w.fwd != nil {
		if err := w.fwd.Shutdown(flush); err != nil {
			w.log.Warnf("sink shutdown: %v", err)
		}
	}
}
