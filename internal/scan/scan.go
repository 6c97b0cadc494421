// Package scan walks the target working tree, hashing files and
// symlinks the way the remote pack would, so the tree materializer can
// reconcile local state against a freshly fetched commit (spec.md §4.8).
package scan

import (
	"crypto/sha1"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
)

// DirMode is the fixed mode recorded for directory entries (spec.md §4.8).
const DirMode = 0o040000

// Entry is one local path's scan state, mutated during C10's tree-walk
// reconciliation.
type Entry struct {
	Path  string // relative to the target root
	Mode  uint32
	Hash  objecthash.Hash
	IsDir bool
	Keep  bool // set true once confirmed present in the new remote tree
	Save  bool // set true when content must be (re)written to disk
}

// Result is the local scanner's output: the scan indexed by path, and by
// hash for locating a local file that satisfies a missing delta base.
type Result struct {
	ByPath map[string]*Entry
	ByHash map[objecthash.Hash][]*Entry
}

// manifestHashes supplies a directory's previously-persisted hash, when
// known, so an unchanged subtree doesn't need rehashing from scratch.
type manifestHashes interface {
	DirHash(path string) (objecthash.Hash, bool)
}

// Scan walks root, rejecting a `.git` directory as an error, and hashes
// every file and symlink found. Paths under any ignorePrefix are hashed
// as a synthetic SHA-1 of the path string instead of their content, so
// they can never accidentally match a remote object.
func Scan(root string, ignorePrefixes []string, manifest manifestHashes) (*Result, error) {
	result := &Result{
		ByPath: make(map[string]*Entry),
		ByHash: make(map[objecthash.Hash][]*Entry),
	}
	if err := walk(root, "", ignorePrefixes, manifest, result); err != nil {
		return nil, err
	}
	return result, nil
}

func walk(root, relPath string, ignorePrefixes []string, manifest manifestHashes, result *Result) error {
	absPath := filepath.Join(root, relPath)
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return storageErr("read directory "+absPath, err)
	}

	for _, de := range entries {
		name := de.Name()
		if name == "." || name == ".." {
			continue
		}
		childRel := filepath.Join(relPath, name)
		childAbs := filepath.Join(root, childRel)

		if de.IsDir() {
			if name == ".git" {
				return storageErr(".git directory found at "+childAbs, nil)
			}
			hash, _ := manifest.DirHash(childRel)
			result.ByPath[childRel] = &Entry{Path: childRel, Mode: DirMode, Hash: hash, IsDir: true}
			if err := walk(root, childRel, ignorePrefixes, manifest, result); err != nil {
				return err
			}
			continue
		}

		info, err := de.Info()
		if err != nil {
			return storageErr("stat "+childAbs, err)
		}

		entry := &Entry{Path: childRel}
		if ignored(childRel, ignorePrefixes) {
			entry.Mode = modeForFileInfo(info)
			entry.Hash = syntheticHash(childRel)
		} else if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(childAbs)
			if err != nil {
				return storageErr("readlink "+childAbs, err)
			}
			entry.Mode = 0o120000
			entry.Hash = objecthash.Of(objecthash.KindBlob, []byte(target))
		} else {
			content, err := os.ReadFile(childAbs)
			if err != nil {
				return storageErr("read file "+childAbs, err)
			}
			entry.Mode = modeForFileInfo(info)
			entry.Hash = objecthash.Of(objecthash.KindBlob, content)
		}

		result.ByPath[childRel] = entry
		result.ByHash[entry.Hash] = append(result.ByHash[entry.Hash], entry)
	}
	return nil
}

func ignored(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(path) >= len(p) && path[:len(p)] == p {
			return true
		}
	}
	return false
}

func syntheticHash(path string) objecthash.Hash {
	sum := sha1.Sum([]byte(path))
	var h objecthash.Hash
	copy(h[:], sum[:])
	return h
}

func modeForFileInfo(info os.FileInfo) uint32 {
	if info.Mode()&0o111 != 0 {
		return 0o100755
	}
	return 0o100644
}

func storageErr(message string, cause error) error {
	b := ferr.StorageErr(message)
	if cause != nil {
		b = b.WithCause(cause)
	}
	return b.Build()
}
