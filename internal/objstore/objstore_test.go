package objstore

import (
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/gitup/internal/objecthash"
)

func hashOf(s string) objecthash.Hash {
	return objecthash.Of(objecthash.KindBlob, []byte(s))
}

func TestInsertAndFind(t *testing.T) {
	s := NewStore(false)
	obj := &Object{Kind: KindBlob, Hash: hashOf("a")}
	s.Insert(obj)

	got, ok := s.FindByHash(obj.Hash)
	if !ok || got != obj {
		t.Fatalf("FindByHash did not return inserted object")
	}
	at, ok := s.AtIndex(0)
	if !ok || at != obj {
		t.Fatalf("AtIndex(0) did not return inserted object")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestInsertDuplicateNormalModeRejected(t *testing.T) {
	s := NewStore(false)
	h := hashOf("dup")
	first := &Object{Kind: KindBlob, Hash: h}
	second := &Object{Kind: KindBlob, Hash: h}
	s.Insert(first)
	s.Insert(second)

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (both occupy array slots)", s.Len())
	}
	got, _ := s.FindByHash(h)
	if got != first {
		t.Fatalf("normal mode should keep the first instance reachable by hash")
	}
}

func TestInsertDuplicateRepairModeReplaces(t *testing.T) {
	s := NewStore(true)
	h := hashOf("dup")
	first := &Object{Kind: KindBlob, Hash: h}
	second := &Object{Kind: KindBlob, Hash: h}
	s.Insert(first)
	s.Insert(second)

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (both occupy array slots)", s.Len())
	}
	got, _ := s.FindByHash(h)
	if got != second {
		t.Fatalf("repair mode should keep the later instance reachable by hash")
	}
}

func TestSetPayloadInMemory(t *testing.T) {
	s := NewStore(false)
	obj := &Object{Kind: KindBlob}
	if err := s.SetPayload(obj, []byte("hello")); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	buf, err := obj.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("LoadBuffer = %q", buf)
	}
}

func TestSetPayloadLowMemory(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(false)
	if err := s.EnableLowMemory(filepath.Join(dir, "scratch")); err != nil {
		t.Fatalf("EnableLowMemory: %v", err)
	}
	defer s.Close()

	objA := &Object{Kind: KindBlob}
	objB := &Object{Kind: KindBlob}
	if err := s.SetPayload(objA, []byte("first")); err != nil {
		t.Fatalf("SetPayload A: %v", err)
	}
	if err := s.SetPayload(objB, []byte("second-longer")); err != nil {
		t.Fatalf("SetPayload B: %v", err)
	}

	if err := objA.WithBuffer(func(buf []byte) error {
		if string(buf) != "first" {
			t.Fatalf("WithBuffer payload = %q", buf)
		}
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bufA, err := objA.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer A: %v", err)
	}
	if string(bufA) != "first" {
		t.Fatalf("LoadBuffer A = %q", bufA)
	}

	bufB, err := objB.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer B: %v", err)
	}
	if string(bufB) != "second-longer" {
		t.Fatalf("LoadBuffer B = %q", bufB)
	}

	if err := s.FinalizeLowMemory(); err != nil {
		t.Fatalf("FinalizeLowMemory: %v", err)
	}
	// The scratch file is unlinked but the descriptor still serves reads.
	bufAAfter, err := objA.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer after unlink: %v", err)
	}
	if string(bufAAfter) != "first" {
		t.Fatalf("LoadBuffer after unlink = %q", bufAAfter)
	}
}

func TestSetMemoryPayloadExemptFromScratch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(false)
	if err := s.EnableLowMemory(filepath.Join(dir, "scratch")); err != nil {
		t.Fatalf("EnableLowMemory: %v", err)
	}
	defer s.Close()

	obj := &Object{Kind: KindBlob}
	s.SetMemoryPayload(obj, []byte("resolved"))

	buf, err := obj.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer: %v", err)
	}
	if string(buf) != "resolved" {
		t.Fatalf("LoadBuffer = %q", buf)
	}

	// Unlinking the scratch file must not affect a memory-backed object.
	if err := s.FinalizeLowMemory(); err != nil {
		t.Fatalf("FinalizeLowMemory: %v", err)
	}
	buf, err = obj.LoadBuffer()
	if err != nil {
		t.Fatalf("LoadBuffer after unlink: %v", err)
	}
	if string(buf) != "resolved" {
		t.Fatalf("LoadBuffer after unlink = %q", buf)
	}
}

func TestFinalizeLowMemoryNoopWithoutScratch(t *testing.T) {
	s := NewStore(false)
	if err := s.FinalizeLowMemory(); err != nil {
		t.Fatalf("FinalizeLowMemory: %v", err)
	}
}

func TestKindHashKind(t *testing.T) {
	if _, err := KindOfsDelta.HashKind(); err == nil {
		t.Fatalf("expected error for delta kind")
	}
	hk, err := KindTree.HashKind()
	if err != nil || hk != objecthash.KindTree {
		t.Fatalf("HashKind(KindTree) = %v, %v", hk, err)
	}
}
