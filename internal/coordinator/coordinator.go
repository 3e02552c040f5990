// Package coordinator implements the coordinator (spec §4.5, component
// C5): it listens for workers, owns the global work list and the
// worker-state table, runs the single event-loop that rebalances work
// and drives termination, and aggregates final statistics. Grounded on
// eargollo-ditto's internal/server/server.go: one handler per concern
// dispatched from a single entry point, and cmd/ditto/main.go's
// signal-driven context.Context cancellation for shutdown, generalized
// from HTTP request dispatch to control-plane message dispatch.
package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/clustermeta/psscan/internal/logging"
	"github.com/clustermeta/psscan/internal/message"
	"github.com/clustermeta/psscan/internal/stats"
	"github.com/clustermeta/psscan/internal/transport"
)

// Status mirrors the worker-side worker.State strings (spec §3).
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
)

// WorkerState is the coordinator-side record of one connected worker
// (spec §3 "Worker-state record").
type WorkerState struct {
	ID       int
	UUID     uuid.UUID
	Conn     *transport.Conn
	Status   Status
	DirCount int64
	WantData time.Time // zero means 0 ("not wanting")
	SentData time.Time // zero means 0 ("never solicited")
	Stats    stats.Snapshot
	StatsTime time.Time
}

// Config holds the coordinator's timing tunables (spec §4.5, §5).
type Config struct {
	InitialPaths        []string
	QueueTimeout        time.Duration
	StatsPrintInterval  time.Duration
	RequestWorkInterval time.Duration
	DefaultSolicitPct   float64
	// NodeList, if non-empty, names remote hosts the coordinator would
	// hand to an external launcher to spawn worker processes (spec
	// §4.5 "Remote launch"). Launching processes over ssh is explicitly
	// out of scope for this core; NodeList is accepted and logged only.
	NodeList []string
}

// DefaultConfig returns the spec's stated coordinator defaults.
func DefaultConfig() Config {
	return Config{
		QueueTimeout:        time.Second,
		StatsPrintInterval:  10 * time.Second,
		RequestWorkInterval: 5 * time.Second,
		DefaultSolicitPct:   0.5,
	}
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
)

type event struct {
	kind eventKind
	conn *transport.Conn
	id   int
	msg  message.Msg
}

// Coordinator is the coordinator (C5).
type Coordinator struct {
	cfg Config
	ln  *transport.Listener
	log *logging.Logger

	nextID     int
	workers    map[int]*WorkerState
	globalWork []string
	terminated bool
	// disconnected accumulates the last known stats of every worker that
	// has since disconnected, so FinalStats still counts their work once
	// they drop out of the live workers map.
	disconnected stats.Snapshot
	cumulative   stats.Snapshot // last totalStats() sample, used for rate deltas
	lastPrint    time.Time
	rates        *stats.SlidingWindow
}

// New builds a Coordinator bound to an already-open Listener.
func New(cfg Config, ln *transport.Listener, log *logging.Logger) *Coordinator {
	d := DefaultConfig()
	if cfg.QueueTimeout > 0 {
		d.QueueTimeout = cfg.QueueTimeout
	}
	if cfg.StatsPrintInterval > 0 {
		d.StatsPrintInterval = cfg.StatsPrintInterval
	}
	if cfg.RequestWorkInterval > 0 {
		d.RequestWorkInterval = cfg.RequestWorkInterval
	}
	if cfg.DefaultSolicitPct > 0 {
		d.DefaultSolicitPct = cfg.DefaultSolicitPct
	}
	d.InitialPaths = cfg.InitialPaths
	d.NodeList = cfg.NodeList
	if log == nil {
		log = logging.New("coordinator")
	}
	return &Coordinator{
		cfg:        d,
		ln:         ln,
		log:        log,
		workers:      make(map[int]*WorkerState),
		globalWork:   append([]string(nil), d.InitialPaths...),
		disconnected: stats.Snapshot{Custom: map[string]int64{}},
		cumulative:   stats.Snapshot{Custom: map[string]int64{}},
		rates:        stats.NewSlidingWindow(d.StatsPrintInterval, []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}),
	}
}

// Run drives the coordinator's single event loop (spec §4.5) until ctx
// is cancelled or the scan terminates (every worker idle/stopped and
// the global work list empty). It returns nil on a clean scan
// completion.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.cfg.NodeList) > 0 {
		c.log.Warnf("node_list provided (%v) but remote process launch is an external collaborator not implemented by this core; start workers manually", c.cfg.NodeList)
	}

	events := make(chan event, 64)
	go c.acceptLoop(ctx, events)

	timeout := time.NewTimer(c.cfg.QueueTimeout)
	defer timeout.Stop()
	c.lastPrint = time.Now()

	for {
		select {
		case <-ctx.Done():
			c.broadcastQuit()
			return ctx.Err()
		case ev := <-events:
			c.dispatch(ev, events)
		case <-timeout.C:
			// poll timeout fired with no event; periodic steps still run below
		}
		if !timeout.Stop() {
			select {
			case <-timeout.C:
			default:
			}
		}
		timeout.Reset(c.cfg.QueueTimeout)

		c.afterStep()
		if c.terminated && len(c.workers) == 0 {
			return nil
		}
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context, events chan<- event) {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return
		}
		select {
		case events <- event{kind: evConnect, conn: conn}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (c *Coordinator) readLoop(id int, conn *transport.Conn, events chan<- event) {
	for {
		m := conn.Recv()
		events <- event{kind: evMessage, id: id, msg: m}
		if m.Type() == message.TypeClosed {
			return
		}
	}
}

func (c *Coordinator) dispatch(ev event, events chan<- event) {
	switch ev.kind {
	case evConnect:
		id := c.nextID
		c.nextID++
		ws := &WorkerState{ID: id, UUID: ev.conn.ID, Conn: ev.conn, Status: StatusStarting}
		c.workers[id] = ws
		go c.readLoop(id, ev.conn, events)
		c.log.Infof("worker %d connected (%s)", id, ws.UUID)
		if len(c.globalWork) > 0 {
			c.sendInitialShare(ws)
		}

	case evMessage:
		ws, ok := c.workers[ev.id]
		if !ok {
			return
		}
		c.handleWorkerMessage(ws, ev.msg)
	}
}

func (c *Coordinator) handleWorkerMessage(ws *WorkerState, m message.Msg) {
	switch m.Type() {
	case message.TypeDirList:
		// Worker returning directories after a solicitation (W->C
		// client_dir_list).
		c.globalWork = append(c.globalWork, m.Paths()...)

	case message.TypeReqDirList:
		ws.WantData = time.Now()

	case message.TypeStateRunning:
		ws.Status = StatusRunning
	case message.TypeStateIdle:
		ws.Status = StatusIdle
	case message.TypeStateStopped:
		ws.Status = StatusStopped

	case message.TypeDirCount:
		ws.DirCount = m.IntData()

	case message.TypeStats:
		snap := stats.SnapshotFromMap(m.StatsData())
		ws.Stats = snap
		ws.StatsTime = time.Now()

	case message.TypeCommand:
		c.handleOperatorCommand(ws, m.Command())

	case message.TypeClosed:
		c.log.Infof("worker %d disconnected", ws.ID)
		c.disconnected = c.disconnected.Add(ws.Stats)
		delete(c.workers, ws.ID)

	default:
		c.log.Warnf("worker %d sent unknown message type %q, ignored", ws.ID, m.Type())
	}
}

// handleOperatorCommand implements the `command` message's operator
// actions (spec §6.1, §6.3), which may arrive on any connection
// (including a one-shot C7 command client).
func (c *Coordinator) handleOperatorCommand(ws *WorkerState, cmd string) {
	switch cmd {
	case message.CmdQuit:
		c.log.Infof("operator quit command received")
		c.broadcastQuit()
		c.terminated = true
	case message.CmdDumpState:
		c.dumpState()
		if ws != nil {
			ws.Conn.Send(message.New(message.TypeStats).WithStatsData(c.totalStats().ToMap()))
		}
	case message.CmdToggleDebug:
		if c.log.Level() == logging.LevelDebug {
			c.log.SetLevel(logging.LevelInfo)
		} else {
			c.log.SetLevel(logging.LevelDebug)
		}
	default:
		c.log.Warnf("unknown operator command %q, ignored", cmd)
	}
}

func (c *Coordinator) dumpState() {
	c.log.Infof("state dump: %d workers, %d items in global work list", len(c.workers), len(c.globalWork))
	for _, id := range c.sortedWorkerIDs() {
		ws := c.workers[id]
		c.log.Infof("  worker %d: status=%s dir_count=%d", ws.ID, ws.Status, ws.DirCount)
	}
}

// RemoteCallback accepts an asynchronous callback from an external
// launcher (spec §4.5's `remote_callback` event). The launcher itself
// is out of scope for this core; this only logs the callback so a
// node_list-driven deployment has somewhere to route it.
func (c *Coordinator) RemoteCallback(data map[string]any) {
	c.log.Infof("remote_callback: %v", data)
}

// afterStep runs the per-iteration bookkeeping spec §4.5 describes as
// steps 2-6: interim stats, set computation, termination check,
// distribution, solicitation.
func (c *Coordinator) afterStep() {
	if time.Since(c.lastPrint) >= c.cfg.StatsPrintInterval {
		c.printInterimStats()
		c.lastPrint = time.Now()
	}

	if c.terminated {
		return
	}

	wanting := c.computeWanting()

	if c.checkTermination() {
		c.broadcastQuit()
		c.terminated = true
		return
	}

	if len(c.globalWork) > 0 && len(wanting) > 0 {
		c.distribute(wanting)
		return
	}
	if len(wanting) > 0 {
		c.solicit(wanting)
	}
}

// computeWanting returns workers_wanting_work (spec §4.5 step 3:
// want_data != 0). idle_workers is folded directly into checkTermination
// below, and workers_with_dirs is computed inline in solicit since it is
// only needed there.
func (c *Coordinator) computeWanting() []*WorkerState {
	var wanting []*WorkerState
	for _, id := range c.sortedWorkerIDs() {
		ws := c.workers[id]
		if !ws.WantData.IsZero() {
			wanting = append(wanting, ws)
		}
	}
	return wanting
}

// checkTermination implements spec §4.5 step 4: every worker is idle or
// stopped and the global work list is empty.
func (c *Coordinator) checkTermination() bool {
	if len(c.globalWork) != 0 {
		return false
	}
	if len(c.workers) == 0 {
		return false // nothing has ever connected; not a completed scan
	}
	for _, ws := range c.workers {
		if ws.Status != StatusIdle && ws.Status != StatusStopped {
			return false
		}
	}
	return true
}

// distribute implements spec §4.5 step 5: ceiling-division-fair shares
// to every wanting worker, insertion-order, no weighting.
func (c *Coordinator) distribute(wanting []*WorkerState) {
	total := len(c.globalWork)
	n := len(wanting)
	base := total / n
	rem := total % n

	work := c.globalWork
	c.globalWork = nil

	offset := 0
	for i, ws := range wanting {
		share := base
		if i < rem {
			share++
		}
		if share == 0 {
			continue
		}
		paths := work[offset : offset+share]
		offset += share
		ws.Conn.Send(message.New(message.TypeDirList).WithPaths(paths))
		ws.WantData = time.Time{}
	}
}

// solicit implements spec §4.5 step 6: request directories back from
// workers_with_dirs, rate-limited per target by request_work_interval.
func (c *Coordinator) solicit(wanting []*WorkerState) {
	for _, id := range c.sortedWorkerIDs() {
		candidate := c.workers[id]
		if candidate.DirCount <= 1 {
			continue
		}
		if isWanting(wanting, candidate) {
			continue
		}
		if !candidate.SentData.IsZero() && time.Since(candidate.SentData) < c.cfg.RequestWorkInterval {
			continue
		}
		candidate.Conn.Send(message.New(message.TypeReqDirList).WithPct(c.cfg.DefaultSolicitPct))
		candidate.SentData = time.Now()
	}
}

func isWanting(wanting []*WorkerState, ws *WorkerState) bool {
	for _, w := range wanting {
		if w.ID == ws.ID {
			return true
		}
	}
	return false
}

// sendInitialShare hands a newly connected worker one directory from
// the global work list (spec §2's control flow: "coordinator pushes
// initial directories, one per worker").
func (c *Coordinator) sendInitialShare(ws *WorkerState) {
	if len(c.globalWork) == 0 {
		return
	}
	path := c.globalWork[0]
	c.globalWork = c.globalWork[1:]
	ws.Conn.Send(message.New(message.TypeDirList).WithPaths([]string{path}))
}

func (c *Coordinator) broadcastQuit() {
	for _, id := range c.sortedWorkerIDs() {
		ws := c.workers[id]
		if ws.Status != StatusStopped {
			ws.Conn.Send(message.New(message.TypeQuit))
		}
	}
}

// totalStats sums every currently connected worker's last reported
// stats with the accumulated stats of workers that have since
// disconnected, so no worker's contribution is lost once it drops out
// of the live workers map.
func (c *Coordinator) totalStats() stats.Snapshot {
	sum := c.disconnected
	for _, ws := range c.workers {
		sum = sum.Add(ws.Stats)
	}
	return sum
}

func (c *Coordinator) printInterimStats() {
	sum := c.totalStats()
	delta := sum.FilesProcessed - c.cumulative.FilesProcessed
	c.rates.AddSample(delta)
	c.cumulative = sum
	windows := c.rates.GetAllWindows()
	c.log.Infof("interim stats: %d workers, dirs_processed=%s files_processed=%s files_skipped=%s total_size=%s rate_60s=%s/s",
		len(c.workers),
		humanize.Comma(sum.DirsProcessed),
		humanize.Comma(sum.FilesProcessed),
		humanize.Comma(sum.FilesSkipped),
		humanize.Bytes(uint64(sum.FileSizeTotal)),
		humanize.Comma(windows[60*time.Second]/60))
}

// FinalStats returns the scan-wide cumulative snapshot, for the
// operator-visible "final statistics always printed" guarantee (spec
// §7). Safe to call after Run returns.
func (c *Coordinator) FinalStats() stats.Snapshot {
	return c.totalStats()
}

func (c *Coordinator) sortedWorkerIDs() []int {
	ids := make([]int, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
