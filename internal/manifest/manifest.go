// Package manifest persists and reloads the per-section record of what
// was last materialized to disk: the commit hash and, per directory, the
// (mode, hash, name) triples the tree materializer compares new remote
// state against (spec.md §4.9).
package manifest

import (
	"bytes"
	"fmt"
	"os"
	pathpkg "path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
)

// modeFieldWidth and hashFieldWidth are the fixed-width manifest-line
// fields a robust parser reads by position rather than delimiter scan,
// so a path containing a literal tab character can't desynchronize the
// line (the source this is adapted from assumed paths never contain
// tabs; this doesn't).
const (
	modeFieldWidth = 6
	hashFieldWidth = objecthash.HexSize
)

// Entry is one path's recorded state: its mode, content/tree hash, and
// whether it names a directory.
type Entry struct {
	Mode  uint32
	Hash  objecthash.Hash
	IsDir bool
}

// Manifest is a loaded manifest's in-memory form.
type Manifest struct {
	CommitHash objecthash.Hash
	ByPath     map[string]Entry
}

// DirHash reports a directory's previously-recorded tree hash, letting
// the local scanner (C8) skip rehashing an unchanged subtree's identity.
func (m *Manifest) DirHash(path string) (objecthash.Hash, bool) {
	e, ok := m.ByPath[path]
	if !ok || !e.IsDir {
		return objecthash.Hash{}, false
	}
	return e.Hash, true
}

// Load parses a manifest file, synthesizing a tree object per directory
// block (recomputed bottom-up from its own entries, not trusted from the
// persisted line, so it matches whatever hash a real git tree of the
// same content would have) and inserting each into store.
func Load(path string, store *objstore.Store) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapStorage("read manifest "+path, err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, wrapStorage("manifest "+path+" missing commit hash line", nil)
	}
	commitHash, err := objecthash.ParseHex(lines[0])
	if err != nil {
		return nil, wrapStorage("manifest "+path+" commit hash: "+err.Error(), nil)
	}

	blocks := splitBlocks(lines[1:])
	m := &Manifest{CommitHash: commitHash, ByPath: make(map[string]Entry)}

	idx := 0
	if len(blocks) > 0 {
		if _, err := parseDirBlock(blocks, &idx, "", m.ByPath, store); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// splitBlocks groups lines into blank-line-separated blocks, dropping
// empty trailing fragments.
func splitBlocks(lines []string) [][]string {
	var blocks [][]string
	var current []string
	for _, line := range lines {
		if line == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	return blocks
}

// parseDirBlock consumes the block at blocks[*idx] as one directory's
// entries, recursing into child blocks in the same depth-first
// pre-order they were written in, and returns this directory's
// synthesized tree payload.
func parseDirBlock(blocks [][]string, idx *int, prefix string, byPath map[string]Entry, store *objstore.Store) ([]byte, error) {
	if *idx >= len(blocks) {
		return nil, protocolCorruptErr("manifest truncated: expected a directory block")
	}
	lines := blocks[*idx]
	*idx++

	var payload bytes.Buffer
	for _, line := range lines {
		mode, hash, name, isDir, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		fullPath := joinPath(prefix, name)

		entryHash := hash
		if isDir {
			childPayload, err := parseDirBlock(blocks, idx, fullPath, byPath, store)
			if err != nil {
				return nil, err
			}
			entryHash = objecthash.Of(objecthash.KindTree, childPayload)
		}

		byPath[fullPath] = Entry{Mode: mode, Hash: entryHash, IsDir: isDir}
		payload.Write(treeEntryBytes(mode, name, entryHash))
	}

	treeHash := objecthash.Of(objecthash.KindTree, payload.Bytes())
	obj := &objstore.Object{Kind: objstore.KindTree, Hash: treeHash}
	if err := store.SetPayload(obj, payload.Bytes()); err != nil {
		return nil, err
	}
	store.Insert(obj)
	return payload.Bytes(), nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// treeEntryBytes renders one tree entry in git's canonical on-disk form
// ("<unpadded-octal-mode> <name>\0<20-byte-hash>"), so a directory whose
// content hasn't changed hashes identically to the remote's tree object.
func treeEntryBytes(mode uint32, name string, hash objecthash.Hash) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%o %s\x00", mode, name)
	buf.Write(hash[:])
	return buf.Bytes()
}

// parseLine decodes one manifest line using fixed-width mode and hash
// fields, so the name field (which runs to line's end) may contain tabs.
func parseLine(line string) (mode uint32, hash objecthash.Hash, name string, isDir bool, err error) {
	const prefixLen = modeFieldWidth + 1 + hashFieldWidth + 1
	if len(line) < prefixLen+1 {
		return 0, objecthash.Hash{}, "", false, protocolCorruptErr(fmt.Sprintf("manifest line too short: %q", line))
	}
	if line[modeFieldWidth] != '\t' || line[modeFieldWidth+1+hashFieldWidth] != '\t' {
		return 0, objecthash.Hash{}, "", false, protocolCorruptErr(fmt.Sprintf("manifest line malformed: %q", line))
	}
	modeVal, err := strconv.ParseUint(line[:modeFieldWidth], 8, 32)
	if err != nil {
		return 0, objecthash.Hash{}, "", false, protocolCorruptErr(fmt.Sprintf("manifest line bad mode: %q", line))
	}
	hashVal, err := objecthash.ParseHex(line[modeFieldWidth+1 : modeFieldWidth+1+hashFieldWidth])
	if err != nil {
		return 0, objecthash.Hash{}, "", false, protocolCorruptErr(fmt.Sprintf("manifest line bad hash: %v", err))
	}
	rawName := line[prefixLen:]
	isDir = strings.HasSuffix(rawName, "/")
	if isDir {
		rawName = strings.TrimSuffix(rawName, "/")
	}
	return uint32(modeVal), hashVal, rawName, isDir, nil
}

// Write serializes entries (keyed by full logical path) into a fresh
// manifest, replacing path atomically via a sibling ".new" file.
func Write(path string, commitHash objecthash.Hash, entries map[string]Entry) error {
	children := childrenByDir(entries)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s\n", commitHash)
	if err := writeDirBlock(&buf, "", entries, children); err != nil {
		return err
	}

	tmpPath := path + ".new"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return wrapStorage("write manifest temp file "+tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return wrapStorage("rename manifest temp file into place", err)
	}
	return nil
}

// childrenByDir groups entries by their parent directory path, so Write
// can emit blocks in the same depth-first order Load expects.
func childrenByDir(entries map[string]Entry) map[string][]string {
	children := make(map[string][]string)
	for path := range entries {
		dir := pathpkg.Dir(path)
		if dir == "." {
			dir = ""
		}
		children[dir] = append(children[dir], path)
	}
	for dir := range children {
		sort.Strings(children[dir])
	}
	return children
}

func writeDirBlock(buf *bytes.Buffer, dir string, entries map[string]Entry, children map[string][]string) error {
	for _, fullPath := range children[dir] {
		e := entries[fullPath]
		name, err := normalizeName(pathpkg.Base(fullPath))
		if err != nil {
			return err
		}
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(buf, "%0*o\t%s\t%s\n", modeFieldWidth, e.Mode, e.Hash, name)
	}
	buf.WriteString("\n")

	for _, fullPath := range children[dir] {
		if entries[fullPath].IsDir {
			if err := writeDirBlock(buf, fullPath, entries, children); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeName folds name to Unicode NFC so two filesystems that
// precompose combining characters differently (notably HFS+'s
// decomposed form) still produce byte-identical manifest lines, and
// therefore identical tree hashes, for the same logical path.
func normalizeName(name string) (string, error) {
	out, _, err := transform.String(norm.NFC, name)
	if err != nil {
		return "", protocolCorruptErr(fmt.Sprintf("normalize path %q to NFC: %v", name, err))
	}
	return out, nil
}

func wrapStorage(message string, cause error) error {
	b := ferr.StorageErr(message)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}

func protocolCorruptErr(message string) error {
	return ferr.PackCorruptErr(message).Build()
}
