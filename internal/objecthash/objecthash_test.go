package objecthash

import "testing"

func TestHexRoundTrip(t *testing.T) {
	h := Of(KindBlob, []byte("hello world"))
	parsed, err := ParseHex(h.String())
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed, h)
	}
}

func TestOfEmptyTree(t *testing.T) {
	h := Of(KindTree, nil)
	want := "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	if h.String() != want {
		t.Fatalf("empty tree hash = %s, want %s", h.String(), want)
	}
}

func TestOfBlobKnownVector(t *testing.T) {
	h := Of(KindBlob, []byte("what is up, doc?"))
	want := "bd9dbf5aae1a3862dd1526723246b20206e5fc37"
	if h.String() != want {
		t.Fatalf("blob hash = %s, want %s", h.String(), want)
	}
}

func TestParseHexInvalidLength(t *testing.T) {
	if _, err := ParseHex("abc"); err == nil {
		t.Fatalf("expected error for short hex")
	}
}

func TestParseBinaryInvalidLength(t *testing.T) {
	if _, err := ParseBinary([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short binary")
	}
}

func TestIsZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Fatalf("expected zero hash to report IsZero")
	}
	h = Of(KindBlob, []byte("x"))
	if h.IsZero() {
		t.Fatalf("non-zero hash reported IsZero")
	}
}
