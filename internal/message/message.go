// Package message defines the control-plane message set exchanged between
// coordinator and worker (spec §6.1) and small typed accessors over the
// underlying map[string]any so call sites don't sprinkle type assertions.
package message

// Type is the value of a message's "type" field.
type Type string

const (
	// Coordinator -> worker.
	TypeDirList    Type = "client_dir_list"      // assign directories to scan
	TypeReqDirList Type = "client_req_dir_list"  // please return ~pct of your queue (C->W) or request work (W->C)
	TypeQuit       Type = "client_quit"          // drain sinks and exit
	TypeConfig     Type = "config_update"        // dynamic reconfiguration
	TypeDebug      Type = "debug"                // dump worker state to log

	// Worker -> coordinator.
	TypeStateIdle    Type = "client_state_idle"
	TypeStateRunning Type = "client_state_running"
	TypeStateStopped Type = "client_state_stopped"
	TypeDirCount     Type = "client_status_dir_count"
	TypeStats        Type = "client_status_stats"

	// Either direction.
	TypeCommand Type = "command"

	// Transport-synthetic: delivered by recv() when the peer closes.
	TypeClosed Type = "closed"
)

// Msg is a self-describing mapping: every message carries a "type" field
// plus arbitrary additional fields (spec §4.1).
type Msg map[string]any

// New builds a Msg with the given type and no other fields.
func New(t Type) Msg {
	return Msg{"type": string(t)}
}

// Type returns the message's "type" field, or "" if absent/malformed.
func (m Msg) Type() Type {
	if v, ok := m["type"]; ok {
		if s, ok := v.(string); ok {
			return Type(s)
		}
	}
	return ""
}

// WithPaths returns a copy of m with a "work_item" field set to paths.
func (m Msg) WithPaths(paths []string) Msg {
	m["work_item"] = paths
	return m
}

// Paths extracts the "work_item" field as a []string. Handles both the
// native []string set by this process and the []any produced by decoding
// JSON from the wire.
func (m Msg) Paths() []string {
	v, ok := m["work_item"]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Pct extracts an optional "pct" float field, defaulting to 0.
func (m Msg) Pct() float64 {
	v, ok := m["pct"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

// WithPct sets the "pct" field.
func (m Msg) WithPct(pct float64) Msg {
	m["pct"] = pct
	return m
}

// IntData extracts the "data" field as an int64, e.g. client_status_dir_count.
func (m Msg) IntData() int64 {
	v, ok := m["data"]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case int:
		return int64(t)
	default:
		return 0
	}
}

// WithIntData sets the "data" field to an integer value.
func (m Msg) WithIntData(n int64) Msg {
	m["data"] = n
	return m
}

// Command extracts the "cmd" field of a TypeCommand message.
func (m Msg) Command() string {
	v, _ := m["cmd"].(string)
	return v
}

// WithCommand sets the "cmd" field, used by both TypeCommand and TypeDebug.
func (m Msg) WithCommand(cmd string) Msg {
	m["cmd"] = cmd
	return m
}

// CmdQuit, CmdDumpState and CmdToggleDebug are the operator commands carried by a
// TypeCommand message (spec §6.3).
const (
	CmdQuit        = "quit"
	CmdDumpState   = "dumpstate"
	CmdToggleDebug = "toggledebug"
)

// StatsData extracts the "data" field of a client_status_stats message as
// a map, tolerating the plain map[string]any this process builds and the
// decoded-from-JSON shape (also map[string]any, with nested values as
// float64).
func (m Msg) StatsData() map[string]any {
	v, _ := m["data"].(map[string]any)
	return v
}

// WithStatsData sets the "data" field to a stats payload map.
func (m Msg) WithStatsData(data map[string]any) Msg {
	m["data"] = data
	return m
}

// Config extracts the "config" field of a config_update message.
func (m Msg) Config() map[string]any {
	v, _ := m["config"].(map[string]any)
	return v
}

// WithConfig sets the "config" field of a config_update message.
func (m Msg) WithConfig(cfg map[string]any) Msg {
	m["config"] = cfg
	return m
}

// DebugDumpState reports whether a debug message's nested
// `cmd: {dump_state: true}` payload asks for a state dump (spec §6.1;
// note debug's "cmd" field is a mapping, unlike the string "cmd" field
// of a command message).
func (m Msg) DebugDumpState() bool {
	nested, _ := m["cmd"].(map[string]any)
	if nested == nil {
		return false
	}
	v, _ := nested["dump_state"].(bool)
	return v
}

// WithDebugDumpState sets a debug message's nested dump_state flag.
func (m Msg) WithDebugDumpState(v bool) Msg {
	m["cmd"] = map[string]any{"dump_state": v}
	return m
}
