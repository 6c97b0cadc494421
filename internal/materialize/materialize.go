// Package materialize walks a fetched commit's tree, reconciles it
// against the local scan and the previous manifest, and drives the
// writes, directory creation, and pruning that bring the working tree
// to match the remote bit for bit (spec.md §4.10, §4.11).
package materialize

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/manifest"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
	"git.home.luguber.info/inful/gitup/internal/scan"
)

// dirMode is the tree-entry mode identifying a subdirectory.
const dirMode = 0o040000

// RemoteEntry is one path's state in the tree being materialized.
type RemoteEntry struct {
	Path  string
	Mode  uint32
	Hash  objecthash.Hash
	IsDir bool
	Save  bool // content must be (re)written to disk
}

// ParseCommitTree extracts the root tree hash from a commit object's
// payload, whose first line is "tree <hex-hash>" (spec.md GLOSSARY).
func ParseCommitTree(payload []byte) (objecthash.Hash, error) {
	nl := bytes.IndexByte(payload, '\n')
	if nl < 0 {
		return objecthash.Hash{}, protocolErr("commit object has no newline")
	}
	firstLine := string(payload[:nl])
	hex, ok := strings.CutPrefix(firstLine, "tree ")
	if !ok {
		return objecthash.Hash{}, protocolErr(fmt.Sprintf("commit object first line %q is not a tree header", firstLine))
	}
	return objecthash.ParseHex(hex)
}

// TreeEntry is one decoded entry from a tree object's payload.
type TreeEntry struct {
	Mode uint32
	Name string
	Hash objecthash.Hash
}

// ParseTreeEntries decodes a tree object's payload: repeated
// "<octal-mode> <name>\0<20-byte-hash>" records (spec.md GLOSSARY).
func ParseTreeEntries(payload []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	pos := 0
	for pos < len(payload) {
		sp := bytes.IndexByte(payload[pos:], ' ')
		if sp < 0 {
			return nil, protocolErr("tree entry missing mode separator")
		}
		modeStr := string(payload[pos : pos+sp])
		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, protocolErr(fmt.Sprintf("tree entry bad mode %q: %v", modeStr, err))
		}
		pos += sp + 1

		nul := bytes.IndexByte(payload[pos:], 0)
		if nul < 0 {
			return nil, protocolErr("tree entry missing name terminator")
		}
		name := string(payload[pos : pos+nul])
		pos += nul + 1

		if pos+objecthash.Size > len(payload) {
			return nil, protocolErr("tree entry hash truncated")
		}
		hash, err := objecthash.ParseBinary(payload[pos : pos+objecthash.Size])
		if err != nil {
			return nil, protocolErr(err.Error())
		}
		pos += objecthash.Size

		entries = append(entries, TreeEntry{Mode: uint32(mode), Name: name, Hash: hash})
	}
	return entries, nil
}

// Walk recurses from the commit named by wantCommit's root tree,
// reconciling each entry against localByPath (C8's scan) and building
// remoteByPath: every path is recorded, keep is set on the matching
// local entry, and a path whose content needs writing is flagged Save.
// A path containing "UPDATING" is appended to notices.
func Walk(
	store *objstore.Store,
	wantCommit objecthash.Hash,
	localByPath map[string]*scan.Entry,
	localByHash map[objecthash.Hash][]*scan.Entry,
	targetRoot string,
) (remoteByPath map[string]*RemoteEntry, notices []string, err error) {
	commitObj, ok := store.FindByHash(wantCommit)
	if !ok {
		return nil, nil, protocolErr(fmt.Sprintf("commit %s not found in object store", wantCommit))
	}
	commitPayload, err := commitObj.LoadBuffer()
	if err != nil {
		return nil, nil, err
	}
	rootTreeHash, err := ParseCommitTree(commitPayload)
	if err != nil {
		return nil, nil, err
	}

	remoteByPath = make(map[string]*RemoteEntry)
	w := &walker{
		store:         store,
		localByPath:   localByPath,
		localByHash:   localByHash,
		targetRoot:    targetRoot,
		remoteByPath:  remoteByPath,
	}
	if err := w.walkTree(rootTreeHash, ""); err != nil {
		return nil, nil, err
	}
	return remoteByPath, w.notices, nil
}

type walker struct {
	store        *objstore.Store
	localByPath  map[string]*scan.Entry
	localByHash  map[objecthash.Hash][]*scan.Entry
	targetRoot   string
	remoteByPath map[string]*RemoteEntry
	notices      []string
}

func (w *walker) walkTree(treeHash objecthash.Hash, prefix string) error {
	treeObj, ok := w.store.FindByHash(treeHash)
	if !ok {
		return protocolErr(fmt.Sprintf("tree %s not found in object store", treeHash))
	}
	payload, err := treeObj.LoadBuffer()
	if err != nil {
		return err
	}
	entries, err := ParseTreeEntries(payload)
	if err != nil {
		return err
	}

	for _, e := range entries {
		fullPath := joinPath(prefix, e.Name)
		if strings.Contains(fullPath, "UPDATING") {
			w.notices = append(w.notices, fullPath)
		}

		local, hasLocal := w.localByPath[fullPath]
		if hasLocal {
			local.Keep = true
		}

		isDir := e.Mode == dirMode
		if isDir {
			w.remoteByPath[fullPath] = &RemoteEntry{Path: fullPath, Mode: e.Mode, Hash: e.Hash, IsDir: true}
			if err := w.walkTree(e.Hash, fullPath); err != nil {
				return err
			}
			continue
		}

		remote := &RemoteEntry{Path: fullPath, Mode: e.Mode, Hash: e.Hash, IsDir: false}
		if hasLocal && local.Hash == e.Hash {
			w.remoteByPath[fullPath] = remote
			continue
		}

		if _, ok := w.store.FindByHash(e.Hash); !ok {
			if err := w.synthesizeFromLocal(e.Hash); err != nil {
				return err
			}
		}
		remote.Save = true
		w.remoteByPath[fullPath] = remote
	}
	return nil
}

// synthesizeFromLocal locates a local file elsewhere in the tree with
// the wanted content hash (a rename/copy the remote tree didn't need to
// re-send) and inserts it into the store as a known blob, per the
// ref-delta fallback spec.md §4.10 describes for missing blobs.
func (w *walker) synthesizeFromLocal(hash objecthash.Hash) error {
	candidates := w.localByHash[hash]
	if len(candidates) == 0 {
		return protocolErr(fmt.Sprintf("blob %s not found in pack, store, or local scan", hash))
	}
	abs := filepath.Join(w.targetRoot, candidates[0].Path)
	content, err := os.ReadFile(abs)
	if err != nil {
		return storageErr("read local blob source "+abs, err)
	}
	obj := &objstore.Object{Kind: objstore.KindBlob, Hash: hash}
	if err := w.store.SetPayload(obj, content); err != nil {
		return err
	}
	w.store.Insert(obj)
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// MismatchedPaths compares a previously-persisted manifest against the
// current local scan and returns the blob hashes of every path that is
// missing locally or whose local content no longer matches what was
// last recorded — the repair-fetch driver's input set (spec.md §4.11).
func MismatchedPaths(manifestByPath map[string]manifest.Entry, localByPath map[string]*scan.Entry) []string {
	var hashes []string
	for path, entry := range manifestByPath {
		if entry.IsDir {
			continue
		}
		local, ok := localByPath[path]
		if !ok || local.Hash != entry.Hash {
			hashes = append(hashes, entry.Hash.String())
		}
	}
	return hashes
}

// WriteFiles writes every Save-flagged entry in remoteByPath to disk,
// preserving its recorded mode. Symlinks are written via os.Symlink;
// regular files are opened O_WRONLY|O_CREATE|O_TRUNC with mode passed
// directly to OpenFile (not a separate chmod afterward — the source
// this is adapted from did the two-step and is fixed here). Parent
// directories are created lazily as each path is encountered.
func WriteFiles(remoteByPath map[string]*RemoteEntry, store *objstore.Store, targetRoot string) error {
	for path, entry := range remoteByPath {
		if !entry.Save {
			continue
		}
		abs, err := safeJoin(targetRoot, path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return storageErr("create parent directory for "+abs, err)
		}

		obj, ok := store.FindByHash(entry.Hash)
		if !ok {
			return protocolErr(fmt.Sprintf("object %s for %s missing at write time", entry.Hash, path))
		}
		content, err := obj.LoadBuffer()
		if err != nil {
			return err
		}

		if entry.Mode == 0o120000 {
			_ = os.Remove(abs)
			if err := os.Symlink(string(content), abs); err != nil {
				return storageErr("symlink "+abs, err)
			}
			continue
		}

		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(entry.Mode&0o777))
		if err != nil {
			return storageErr("open "+abs+" for write", err)
		}
		_, writeErr := f.Write(content)
		closeErr := f.Close()
		if writeErr != nil {
			return storageErr("write "+abs, writeErr)
		}
		if closeErr != nil {
			return storageErr("close "+abs, closeErr)
		}
	}
	return nil
}

// Prune removes every local entry with Keep == false, sparing any path
// matching an ignore prefix. Directories are recursively removed behind
// a guard that rejects any path not strictly inside targetRoot or that
// contains a "..": spec.md calls this out explicitly as a safety
// invariant for the deletion pass.
func Prune(localByPath map[string]*scan.Entry, ignorePrefixes []string, targetRoot string) error {
	for path, entry := range localByPath {
		if entry.Keep || matchesIgnorePrefix(path, ignorePrefixes) {
			continue
		}
		abs, err := safeJoin(targetRoot, path)
		if err != nil {
			return err
		}
		if entry.IsDir {
			if err := os.RemoveAll(abs); err != nil {
				return storageErr("prune directory "+abs, err)
			}
			continue
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return storageErr("prune file "+abs, err)
		}
	}
	return nil
}

func matchesIgnorePrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// safeJoin joins root and rel, rejecting any rel containing ".." or
// that escapes root once resolved.
func safeJoin(root, rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", storageErr(fmt.Sprintf("path %q contains '..'", rel), nil)
	}
	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", storageErr(fmt.Sprintf("path %q escapes target root", rel), nil)
	}
	return abs, nil
}

func protocolErr(message string) error {
	return ferr.ProtocolErr(message).Build()
}

func storageErr(message string, cause error) error {
	b := ferr.StorageErr(message)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}
