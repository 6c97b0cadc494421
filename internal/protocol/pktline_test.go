package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeLine(t *testing.T) {
	got := EncodeLineString("hello\n")
	want := []byte("000ahello\n")
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeLineString = %q, want %q", got, want)
	}
}

func TestEncodeLineEmpty(t *testing.T) {
	got := EncodeLine(nil)
	if !bytes.Equal(got, []byte("0004")) {
		t.Fatalf("EncodeLine(nil) = %q", got)
	}
}

func TestParseLinesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeLineString("command=ls-refs\n"))
	buf.Write(DelimPkt)
	buf.Write(EncodeLineString("peel\n"))
	buf.Write(FlushPkt)

	lines, err := ParseLines(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseLines: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	if string(lines[0].Payload) != "command=ls-refs\n" {
		t.Fatalf("lines[0] = %q", lines[0].Payload)
	}
	if !lines[1].IsDelim {
		t.Fatalf("lines[1] should be delim")
	}
	if string(lines[2].Payload) != "peel\n" {
		t.Fatalf("lines[2] = %q", lines[2].Payload)
	}
	if !lines[3].IsFlush {
		t.Fatalf("lines[3] should be flush")
	}
}

func TestParseLinesTruncatedHeader(t *testing.T) {
	if _, err := ParseLines([]byte("00")); err == nil {
		t.Fatalf("expected error for truncated length header")
	}
}

func TestParseLinesMalformedLength(t *testing.T) {
	if _, err := ParseLines([]byte("zzzzpayload")); err == nil {
		t.Fatalf("expected error for malformed length")
	}
}

func TestParseLinesLengthExceedsData(t *testing.T) {
	if _, err := ParseLines([]byte("00ffshort")); err == nil {
		t.Fatalf("expected error when declared length exceeds available data")
	}
}

func TestParseLinesInvalidSmallLength(t *testing.T) {
	if _, err := ParseLines([]byte("0002")); err == nil {
		t.Fatalf("expected error for length 2 (reserved, invalid)")
	}
}
