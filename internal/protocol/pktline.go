// Package protocol builds and parses the Smart HTTP version-2 pkt-line
// request bodies and responses gitup speaks: ls-refs, and the clone/pull/
// repair forms of the fetch command (spec.md §4.4).
package protocol

import (
	"fmt"

	"git.home.luguber.info/inful/gitup/internal/ferr"
)

// FlushPkt and DelimPkt are the two zero-length pkt-line control records.
var (
	FlushPkt = []byte("0000")
	DelimPkt = []byte("0001")
)

// EncodeLine renders payload as a pkt-line: a 4-hex-digit length header
// (counting itself) followed by the payload bytes.
func EncodeLine(payload []byte) []byte {
	length := len(payload) + 4
	out := make([]byte, 0, length)
	out = append(out, []byte(fmt.Sprintf("%04x", length))...)
	out = append(out, payload...)
	return out
}

// EncodeLineString is a convenience wrapper for string payloads.
func EncodeLineString(payload string) []byte {
	return EncodeLine([]byte(payload))
}

// ParseLines splits a byte stream into pkt-line records. A flush (0000) or
// delimiter (0001) packet is returned as a nil payload with its kind noted
// via IsFlush/IsDelim on the returned Line.
type Line struct {
	Payload []byte
	IsFlush bool
	IsDelim bool
}

// ParseLines decodes a full pkt-line stream into records, in order.
func ParseLines(data []byte) ([]Line, error) {
	var lines []Line
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, protocolErr(fmt.Sprintf("truncated pkt-line length header: %q", data))
		}
		var length int
		if _, err := fmt.Sscanf(string(data[:4]), "%04x", &length); err != nil {
			return nil, protocolErr(fmt.Sprintf("malformed pkt-line length %q", data[:4]))
		}
		switch length {
		case 0:
			lines = append(lines, Line{IsFlush: true})
			data = data[4:]
			continue
		case 1:
			lines = append(lines, Line{IsDelim: true})
			data = data[4:]
			continue
		}
		if length < 4 || length > len(data) {
			return nil, protocolErr(fmt.Sprintf("pkt-line length %d exceeds available data", length))
		}
		lines = append(lines, Line{Payload: data[4:length]})
		data = data[length:]
	}
	return lines, nil
}

func protocolErr(message string) error {
	return ferr.ProtocolErr(message).Build()
}
