package sync

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.home.luguber.info/inful/gitup/internal/manifest"
	"git.home.luguber.info/inful/gitup/internal/materialize"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
	"git.home.luguber.info/inful/gitup/internal/protocol"
	"git.home.luguber.info/inful/gitup/internal/scan"
)

func TestSelectActionUseLocalPack(t *testing.T) {
	opts := Options{UsePackFile: "/tmp/some.pack", Clone: true, Repair: true}
	if got := selectAction(opts, true); got != ActionUseLocalPack {
		t.Fatalf("selectAction = %v, want %v", got, ActionUseLocalPack)
	}
}

func TestSelectActionRepair(t *testing.T) {
	opts := Options{Repair: true}
	if got := selectAction(opts, true); got != ActionRepair {
		t.Fatalf("selectAction = %v, want %v", got, ActionRepair)
	}
}

func TestSelectActionCloneFlag(t *testing.T) {
	opts := Options{Clone: true}
	if got := selectAction(opts, true); got != ActionClone {
		t.Fatalf("selectAction = %v, want %v", got, ActionClone)
	}
}

func TestSelectActionCloneNoManifest(t *testing.T) {
	if got := selectAction(Options{}, false); got != ActionClone {
		t.Fatalf("selectAction = %v, want %v", got, ActionClone)
	}
}

func TestSelectActionPull(t *testing.T) {
	if got := selectAction(Options{}, true); got != ActionPull {
		t.Fatalf("selectAction = %v, want %v", got, ActionPull)
	}
}

func lsRefsFixture(entries ...string) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(protocol.EncodeLineString(e + "\n"))
	}
	buf.Write(protocol.FlushPkt)
	return buf.Bytes()
}

func TestResolveWantExplicitOverridesEverything(t *testing.T) {
	opts := Options{Want: "aaaabbbbccccddddeeeeaaaabbbbccccddddeeee", Branch: "main"}
	want, label, err := resolveWant(opts, nil, time.Time{})
	if err != nil {
		t.Fatalf("resolveWant: %v", err)
	}
	if want != opts.Want || label != "main" {
		t.Fatalf("resolveWant = (%q, %q)", want, label)
	}
}

func TestResolveWantTag(t *testing.T) {
	hash := "1111111111111111111111111111111111111111"
	resp := lsRefsFixture(hash + " refs/tags/v1.0")
	want, label, err := resolveWant(Options{Tag: "v1.0"}, resp, time.Time{})
	if err != nil {
		t.Fatalf("resolveWant: %v", err)
	}
	if want != hash || label != "v1.0" {
		t.Fatalf("resolveWant = (%q, %q)", want, label)
	}
}

func TestResolveWantBranch(t *testing.T) {
	hash := "2222222222222222222222222222222222222222"
	resp := lsRefsFixture(hash + " refs/heads/main")
	want, label, err := resolveWant(Options{Branch: "main"}, resp, time.Time{})
	if err != nil {
		t.Fatalf("resolveWant: %v", err)
	}
	if want != hash || label != "main" {
		t.Fatalf("resolveWant = (%q, %q)", want, label)
	}
}

func TestResolveWantQuarterlyCurrent(t *testing.T) {
	now := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	hash := "3333333333333333333333333333333333333333"
	resp := lsRefsFixture(hash + " refs/heads/2026Q3")
	want, label, err := resolveWant(Options{}, resp, now)
	if err != nil {
		t.Fatalf("resolveWant: %v", err)
	}
	if want != hash || label != "2026Q3" {
		t.Fatalf("resolveWant = (%q, %q)", want, label)
	}
}

func TestResolveWantQuarterlyFallsBackToPrevious(t *testing.T) {
	now := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	hash := "4444444444444444444444444444444444444444"
	resp := lsRefsFixture(hash + " refs/heads/2026Q2")
	want, label, err := resolveWant(Options{}, resp, now)
	if err != nil {
		t.Fatalf("resolveWant: %v", err)
	}
	if want != hash || label != "2026Q2" {
		t.Fatalf("resolveWant = (%q, %q)", want, label)
	}
}

func TestResolveWantQuarterlyNeitherFound(t *testing.T) {
	now := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	resp := lsRefsFixture("5555555555555555555555555555555555555555 refs/heads/unrelated")
	if _, _, err := resolveWant(Options{}, resp, now); err == nil {
		t.Fatalf("expected error when no quarterly ref resolves")
	}
}

func TestUploadPackPath(t *testing.T) {
	cases := map[string]string{
		"repo":       "/repo/git-upload-pack",
		"/repo":      "/repo/git-upload-pack",
		"/repo/":     "/repo/git-upload-pack",
		"group/repo": "/group/repo/git-upload-pack",
	}
	for in, want := range cases {
		if got := uploadPackPath(in); got != want {
			t.Fatalf("uploadPackPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteRevisionMarkerTruncatesHash(t *testing.T) {
	root := t.TempDir()
	want := "abcdefabcdefabcdefabcdefabcdefabcdefabcd"
	if err := writeRevisionMarker(root, "main", want); err != nil {
		t.Fatalf("writeRevisionMarker: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, ".gituprevision"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "main:abcdefabc\n" {
		t.Fatalf("marker = %q", got)
	}
}

func TestManifestPathEscapesSection(t *testing.T) {
	got := manifestPath("/work", "a/b c")
	want := filepath.Join("/work", "a%2Fb+c")
	if got != want {
		t.Fatalf("manifestPath = %q, want %q", got, want)
	}
}

func TestRewriteManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mpath := filepath.Join(dir, "section")

	blobHash := objecthash.Of(objecthash.KindBlob, []byte("content"))
	commitHash := objecthash.Of(objecthash.KindCommit, []byte("commit payload"))
	remoteByPath := map[string]*materialize.RemoteEntry{
		"a.txt": {Mode: 0o100644, Hash: blobHash},
	}

	if err := rewriteManifest(mpath, commitHash, remoteByPath); err != nil {
		t.Fatalf("rewriteManifest: %v", err)
	}

	store := objstore.NewStore(false)
	loaded, err := manifest.Load(mpath, store)
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	if loaded.CommitHash != commitHash {
		t.Fatalf("CommitHash = %s, want %s", loaded.CommitHash, commitHash)
	}
	entry, ok := loaded.ByPath["a.txt"]
	if !ok || entry.Hash != blobHash {
		t.Fatalf("ByPath[a.txt] = %+v", entry)
	}
}

func TestCountSaved(t *testing.T) {
	remoteByPath := map[string]*materialize.RemoteEntry{
		"a": {Save: true},
		"b": {Save: false},
		"c": {Save: true},
	}
	if got := countSaved(remoteByPath); got != 2 {
		t.Fatalf("countSaved = %d, want 2", got)
	}
}

func TestCountPrunedSparesIgnored(t *testing.T) {
	localByPath := map[string]*scan.Entry{
		"keep.txt":    {Keep: true},
		"stale.txt":   {Keep: false},
		"secrets.env": {Keep: false},
	}
	got := countPruned(localByPath, []string{"secrets."})
	if got != 1 {
		t.Fatalf("countPruned = %d, want 1", got)
	}
}

func TestLocalBlobResolverReadsMatchingFile(t *testing.T) {
	root := t.TempDir()
	content := []byte("hello")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hash := objecthash.Of(objecthash.KindBlob, content)
	entry := &scan.Entry{Path: "a.txt", Hash: hash}
	resolver := localBlobResolver{root: root, byHash: map[objecthash.Hash][]*scan.Entry{hash: {entry}}}

	got, found, err := resolver.ResolveLocalBlob(hash)
	if err != nil || !found {
		t.Fatalf("ResolveLocalBlob: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("ResolveLocalBlob content = %q, want %q", got, content)
	}
}

func TestLocalBlobResolverMissing(t *testing.T) {
	resolver := localBlobResolver{root: t.TempDir(), byHash: nil}
	_, found, err := resolver.ResolveLocalBlob(objecthash.Of(objecthash.KindBlob, []byte("x")))
	if err != nil || found {
		t.Fatalf("ResolveLocalBlob: found=%v err=%v, want found=false err=nil", found, err)
	}
}

func TestMfHashesNilManifest(t *testing.T) {
	h := mfHashes{m: nil}
	if _, ok := h.DirHash("any"); ok {
		t.Fatalf("DirHash on nil manifest should report false")
	}
}
