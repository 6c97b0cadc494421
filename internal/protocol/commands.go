package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"git.home.luguber.info/inful/gitup/internal/ferr"
)

// MaxRepairRequestBytes bounds the aggregate want-list size a repair fetch
// may request before it is abandoned as infeasible (spec.md §4.4).
const MaxRepairRequestBytes = 3 << 20 // ~3 MiB

// BuildLsRefs renders the ls-refs command body: capability header, the
// requested fields, three ref-prefix filters, then flush.
func BuildLsRefs() []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLineString("command=ls-refs\n"))
	buf.Write(EncodeLineString("object-format=sha1\n"))
	buf.Write(DelimPkt)
	buf.Write(EncodeLineString("peel\n"))
	buf.Write(EncodeLineString("symrefs\n"))
	buf.Write(EncodeLineString("ref-prefix HEAD\n"))
	buf.Write(EncodeLineString("ref-prefix refs/heads/\n"))
	buf.Write(EncodeLineString("ref-prefix refs/tags/\n"))
	buf.Write(FlushPkt)
	return buf.Bytes()
}

// BuildCloneFetch renders the fetch command body for a fresh clone.
func BuildCloneFetch(want string) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLineString("command=fetch\n"))
	buf.Write(DelimPkt)
	buf.Write(EncodeLineString("no-progress\n"))
	buf.Write(EncodeLineString("ofs-delta\n"))
	buf.Write(EncodeLineString(fmt.Sprintf("shallow %s\n", want)))
	buf.Write(EncodeLineString(fmt.Sprintf("want %s\n", want)))
	buf.Write(EncodeLineString("done\n"))
	buf.Write(FlushPkt)
	return buf.Bytes()
}

// BuildPullFetch renders the fetch command body for an incremental pull.
func BuildPullFetch(want, have string) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeLineString("command=fetch\n"))
	buf.Write(DelimPkt)
	buf.Write(EncodeLineString("thin-pack\n"))
	buf.Write(EncodeLineString("no-progress\n"))
	buf.Write(EncodeLineString("ofs-delta\n"))
	buf.Write(EncodeLineString(fmt.Sprintf("shallow %s\n", want)))
	buf.Write(EncodeLineString(fmt.Sprintf("shallow %s\n", have)))
	buf.Write(EncodeLineString("deepen 1\n"))
	buf.Write(EncodeLineString(fmt.Sprintf("want %s\n", want)))
	buf.Write(EncodeLineString(fmt.Sprintf("have %s\n", have)))
	buf.Write(EncodeLineString("done\n"))
	buf.Write(FlushPkt)
	return buf.Bytes()
}

// BuildRepairFetch renders a fetch command body requesting exactly the
// given object hashes, with neither want (commit) nor have. The aggregate
// want-list size is checked against MaxRepairRequestBytes; exceeding it is
// a fatal CategoryRepair error (spec.md §4.4).
func BuildRepairFetch(hashes []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(EncodeLineString("command=fetch\n"))
	buf.Write(DelimPkt)
	buf.Write(EncodeLineString("no-progress\n"))
	buf.Write(EncodeLineString("ofs-delta\n"))
	size := buf.Len()
	for _, h := range hashes {
		line := EncodeLineString(fmt.Sprintf("want %s\n", h))
		size += len(line)
		if size > MaxRepairRequestBytes {
			return nil, ferr.RepairErr(fmt.Sprintf(
				"repair want-list exceeds %d bytes (%d objects requested)",
				MaxRepairRequestBytes, len(hashes))).
				WithContext("want_count", len(hashes)).
				WithContext("bytes", size).
				Build()
		}
		buf.Write(line)
	}
	buf.Write(EncodeLineString("done\n"))
	buf.Write(FlushPkt)
	return buf.Bytes(), nil
}

// ResolveRef scans an ls-refs response for refName, preferring a peeled
// annotation when present, otherwise the 40 hex characters immediately
// preceding the ref name (spec.md §4.4).
func ResolveRef(response []byte, refName string) (string, error) {
	lines, err := ParseLines(response)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		if line.IsFlush || line.IsDelim || line.Payload == nil {
			continue
		}
		text := strings.TrimRight(string(line.Payload), "\n")
		idx := strings.Index(text, refName)
		if idx < 0 {
			continue
		}
		// Trailing " " + refName is the common position; check for suffix match.
		if !strings.HasSuffix(text, refName) && !strings.Contains(text, refName+" ") {
			continue
		}
		if peeled := peeledHash(text); peeled != "" {
			return peeled, nil
		}
		if idx >= 41 {
			return text[idx-41 : idx-1], nil
		}
	}
	return "", ferr.ProtocolErr(fmt.Sprintf("ref %q not found in ls-refs response", refName)).Build()
}

// ExtractPackfile scans a fetch response for the "packfile" section marker
// and concatenates every subsequent line's payload (skipping any
// acknowledgment lines before it, and the final flush) into the raw pack
// byte stream C5 expects. Since none of the fetch request builders
// negotiate side-band-64k, packfile data arrives as plain pkt-line payload
// chunks rather than channel-prefixed sideband frames.
func ExtractPackfile(response []byte) ([]byte, error) {
	lines, err := ParseLines(response)
	if err != nil {
		return nil, err
	}

	inPackfile := false
	var pack []byte
	for _, line := range lines {
		if line.IsFlush || line.IsDelim {
			continue
		}
		if !inPackfile {
			if strings.TrimRight(string(line.Payload), "\n") == "packfile" {
				inPackfile = true
			}
			continue
		}
		pack = append(pack, line.Payload...)
	}
	if !inPackfile {
		return nil, ferr.ProtocolErr("fetch response has no packfile section").Build()
	}
	return pack, nil
}

// peeledHash extracts the hash from a "peeled:<hash>" annotation, if present.
func peeledHash(text string) string {
	const marker = "peeled:"
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(marker):]
	if len(rest) < 40 {
		return ""
	}
	return rest[:40]
}
