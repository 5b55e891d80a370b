package router

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CommandKind is a normalized router operation. The set is fixed: adapters
// that cannot perform a kind fail with ErrUnsupportedOperation rather than
// substituting best-effort behavior.
type CommandKind string

const (
	CreateReservation CommandKind = "create_reservation"
	DeleteReservation CommandKind = "delete_reservation"
	ListReservations  CommandKind = "list_reservations"
	CreatePortForward CommandKind = "create_port_forward"
	DeletePortForward CommandKind = "delete_port_forward"
	ListPortForwards  CommandKind = "list_port_forwards"
	SetFirewallRule   CommandKind = "set_firewall_rule"
	GetStatus         CommandKind = "get_status"
	GetBandwidth      CommandKind = "get_bandwidth"
	BackupConfig      CommandKind = "backup_config"
	RestoreConfig     CommandKind = "restore_config"
)

// Mutating reports whether the kind changes device state. Mutating
// commands get a pre-mutation snapshot and per-target serialization.
func (k CommandKind) Mutating() bool {
	switch k {
	case CreateReservation, DeleteReservation, CreatePortForward,
		DeletePortForward, SetFirewallRule, RestoreConfig:
		return true
	}
	return false
}

// Well-known parameter names. Adapters and validation agree on these keys.
const (
	ParamMAC          = "mac"
	ParamIP           = "ip"
	ParamHostname     = "hostname"
	ParamName         = "name"
	ParamExternalPort = "external_port"
	ParamInternalIP   = "internal_ip"
	ParamInternalPort = "internal_port"
	ParamProtocol     = "protocol"
	ParamDirection    = "direction"
	ParamAction       = "action" // firewall: allow | block
	ParamSnapshotID   = "snapshot_id"
)

// Command is one normalized operation against one target.
type Command struct {
	// ID correlates the command with its audit entry and pre-mutation
	// snapshot. The dispatcher assigns one when empty.
	ID     string
	Kind   CommandKind
	Params map[string]any

	// Actor identifies who/what requested the command (for audit).
	Actor string

	// NoBackup skips the pre-mutation snapshot. Off by default; callers
	// opt out explicitly.
	NoBackup bool
}

// String returns a string parameter, or "" when absent.
func (c Command) String(key string) string {
	switch v := c.Params[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int returns an integer parameter, tolerating JSON float64 and string
// digits (MCP and YAML both deliver numbers loosely typed).
func (c Command) Int(key string) int {
	switch v := c.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

// ParamSummary renders parameters as a stable "k=v k=v" line for audit
// entries. Secret-looking keys are masked by the redact package before
// recording; this just handles ordering.
func (c Command) ParamSummary() string {
	if len(c.Params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c.Params[k]))
	}
	return strings.Join(parts, " ")
}

// CommandResult is the normalized outcome of one dispatched command. The
// payload shape depends on the operation, never on the backend.
type CommandResult struct {
	OK       bool           `json:"ok"`
	Payload  map[string]any `json:"payload,omitempty"`
	Err      *Error         `json:"error,omitempty"`
	Elapsed  time.Duration  `json:"elapsed"`
	Backend  Vendor         `json:"backend"`
	Attempts int            `json:"attempts"`
}

// Failure builds a failed result carrying the typed error.
func Failure(backend Vendor, attempts int, elapsed time.Duration, err *Error) *CommandResult {
	return &CommandResult{
		OK:       false,
		Err:      err,
		Elapsed:  elapsed,
		Backend:  backend,
		Attempts: attempts,
	}
}
