package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")

	commitHash := objecthash.Of(objecthash.KindCommit, []byte("commit payload"))
	fileHash := objecthash.Of(objecthash.KindBlob, []byte("hello"))
	subFileHash := objecthash.Of(objecthash.KindBlob, []byte("world"))

	entries := map[string]Entry{
		"a.txt":     {Mode: 0o100644, Hash: fileHash, IsDir: false},
		"sub":       {Mode: 0o040000, IsDir: true}, // hash recomputed on load
		"sub/b.txt": {Mode: 0o100644, Hash: subFileHash, IsDir: false},
	}

	if err := Write(path, commitHash, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	store := objstore.NewStore(false)
	m, err := Load(path, store)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m.CommitHash != commitHash {
		t.Fatalf("CommitHash = %s, want %s", m.CommitHash, commitHash)
	}

	aEntry, ok := m.ByPath["a.txt"]
	if !ok || aEntry.Hash != fileHash || aEntry.IsDir {
		t.Fatalf("a.txt entry wrong: %+v", aEntry)
	}

	subEntry, ok := m.ByPath["sub"]
	if !ok || !subEntry.IsDir {
		t.Fatalf("sub entry wrong: %+v", subEntry)
	}

	bEntry, ok := m.ByPath["sub/b.txt"]
	if !ok || bEntry.Hash != subFileHash {
		t.Fatalf("sub/b.txt entry wrong: %+v", bEntry)
	}

	// sub's recomputed tree hash must match an independently-built tree
	// object for the same single entry.
	wantSubPayload := treeEntryBytes(0o100644, "b.txt", subFileHash)
	wantSubHash := objecthash.Of(objecthash.KindTree, wantSubPayload)
	if subEntry.Hash != wantSubHash {
		t.Fatalf("sub hash = %s, want %s", subEntry.Hash, wantSubHash)
	}

	if _, ok := store.FindByHash(wantSubHash); !ok {
		t.Fatalf("synthesized tree for sub not found in store")
	}

	gotSubHash, ok := m.DirHash("sub")
	if !ok || gotSubHash != wantSubHash {
		t.Fatalf("DirHash(sub) = %s, %v, want %s, true", gotSubHash, ok, wantSubHash)
	}
	if _, ok := m.DirHash("a.txt"); ok {
		t.Fatalf("DirHash(a.txt) should report false for a non-directory path")
	}
}

func TestParseLineTabInName(t *testing.T) {
	hash := objecthash.Of(objecthash.KindBlob, []byte("x"))
	line := "100644\t" + hash.String() + "\tweird\tname.txt"

	mode, gotHash, name, isDir, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if mode != 0o100644 || gotHash != hash || isDir {
		t.Fatalf("parseLine basic fields wrong: mode=%o hash=%s isDir=%v", mode, gotHash, isDir)
	}
	if name != "weird\tname.txt" {
		t.Fatalf("name = %q, want %q", name, "weird\tname.txt")
	}
}

func TestParseLineDirSuffix(t *testing.T) {
	hash := objecthash.Of(objecthash.KindTree, []byte("y"))
	line := "040000\t" + hash.String() + "\tsubdir/"

	_, _, name, isDir, err := parseLine(line)
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if !isDir || name != "subdir" {
		t.Fatalf("isDir=%v name=%q, want true, %q", isDir, name, "subdir")
	}
}

func TestLoadRejectsTruncatedManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")
	commitHash := objecthash.Of(objecthash.KindCommit, []byte("c"))

	if err := Write(path, commitHash, map[string]Entry{
		"a": {Mode: 0o040000, IsDir: true},
		"a/b.txt": {
			Mode: 0o100644,
			Hash: objecthash.Of(objecthash.KindBlob, []byte("b")),
		},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Truncate after the first directory block (drop the nested "a" block).
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	firstBlank := strings.Index(string(data), "\n\n")
	if firstBlank < 0 {
		t.Fatalf("no blank line found in manifest")
	}
	if err := os.WriteFile(path, data[:firstBlank+1], 0o644); err != nil {
		t.Fatalf("write truncated manifest: %v", err)
	}

	store := objstore.NewStore(false)
	if _, err := Load(path, store); err == nil {
		t.Fatalf("expected error loading truncated manifest")
	}
}

func TestWriteNormalizesNameToNFC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")
	commitHash := objecthash.Of(objecthash.KindCommit, []byte("c"))

	// "é" as "e" U+0065 + combining acute accent U+0301 (NFD), as an
	// HFS+ checkout would produce it.
	decomposed := "cafe\u0301.txt"
	precomposed := "café.txt"

	entries := map[string]Entry{
		decomposed: {Mode: 0o100644, Hash: objecthash.Of(objecthash.KindBlob, []byte("x"))},
	}
	if err := Write(path, commitHash, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), precomposed) {
		t.Fatalf("manifest does not contain NFC-normalized name %q:\n%s", precomposed, data)
	}
	if strings.Contains(string(data), decomposed) {
		t.Fatalf("manifest still contains decomposed name %q:\n%s", decomposed, data)
	}
}
