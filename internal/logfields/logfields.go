// Package logfields provides canonical log field names and helpers for structured logging in gitup.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
// These are used for structured logging with slog.
const (
	KeySection       = "section"
	KeyHost          = "host"
	KeyPort          = "port"
	KeyHave          = "have"
	KeyWant          = "want"
	KeyBranch        = "branch"
	KeyAction        = "action"
	KeyPackBytes     = "pack_bytes"
	KeyObjects       = "objects"
	KeyDeltaChainLen = "delta_chain_len"
	KeyRepairCount   = "repair_count"
	KeyError         = "error"
	KeyPath          = "path"
	KeyMode          = "mode"
	KeyHash          = "hash"
	KeyMethod        = "method"
	KeyStatus        = "status"
	KeyContentLen    = "content_length"
	KeyName          = "name"
	KeyURL           = "url"
	KeyDurationMS    = "duration_ms"
	KeyRunID         = "run_id"
)

// Section returns a slog.Attr for the configuration section name.
func Section(s string) slog.Attr { return slog.String(KeySection, s) }

// Host returns a slog.Attr for a remote host.
func Host(h string) slog.Attr { return slog.String(KeyHost, h) }

// Port returns a slog.Attr for a remote port.
func Port(p int) slog.Attr { return slog.Int(KeyPort, p) }

// Have returns a slog.Attr for the previously-held commit hash.
func Have(h string) slog.Attr { return slog.String(KeyHave, h) }

// Want returns a slog.Attr for the target commit hash.
func Want(h string) slog.Attr { return slog.String(KeyWant, h) }

// Branch returns a slog.Attr for a branch or tag name.
func Branch(b string) slog.Attr { return slog.String(KeyBranch, b) }

// Action returns a slog.Attr for the orchestrator action (clone/pull/repair).
func Action(a string) slog.Attr { return slog.String(KeyAction, a) }

// PackBytes returns a slog.Attr for the number of bytes received in a pack.
func PackBytes(n int64) slog.Attr { return slog.Int64(KeyPackBytes, n) }

// Objects returns a slog.Attr for an object count.
func Objects(n int) slog.Attr { return slog.Int(KeyObjects, n) }

// DeltaChainLen returns a slog.Attr for the length of a resolved delta chain.
func DeltaChainLen(n int) slog.Attr { return slog.Int(KeyDeltaChainLen, n) }

// RepairCount returns a slog.Attr for the number of objects requested by a repair fetch.
func RepairCount(n int) slog.Attr { return slog.Int(KeyRepairCount, n) }

// Path returns a slog.Attr for a file path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Mode returns a slog.Attr for an octal file mode, formatted as a string.
func Mode(mode uint32) slog.Attr { return slog.String(KeyMode, formatOctal(mode)) }

// Hash returns a slog.Attr for a 40-character hex object hash.
func Hash(h string) slog.Attr { return slog.String(KeyHash, h) }

// Method returns a slog.Attr for an HTTP method.
func Method(m string) slog.Attr { return slog.String(KeyMethod, m) }

// Status returns a slog.Attr for an HTTP status code.
func Status(code int) slog.Attr { return slog.Int(KeyStatus, code) }

// ContentLength returns a slog.Attr for content length in bytes.
func ContentLength(cl int64) slog.Attr { return slog.Int64(KeyContentLen, cl) }

// Name returns a slog.Attr for a generic name field.
func Name(n string) slog.Attr { return slog.String(KeyName, n) }

// URL returns a slog.Attr for a URL field.
func URL(u string) slog.Attr { return slog.String(KeyURL, u) }

// DurationMS returns a slog.Attr for a duration in milliseconds.
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

// RunID returns a slog.Attr correlating all log lines from a single invocation.
func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }

// Error returns a slog.Attr for an error, or an empty string if nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

func formatOctal(mode uint32) string {
	const digits = "01234567"
	if mode == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for mode > 0 {
		i--
		buf[i] = digits[mode&7]
		mode >>= 3
	}
	return string(buf[i:])
}
