// Package objstore holds the objects decoded from a pack (or synthesized
// by the delta engine and local scanner) in insertion order, indexed by
// hash, with optional disk paging for low-memory mode (spec.md §4.5, §4.6).
package objstore

import (
	"fmt"
	"io"
	"os"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
)

// Kind is a pack object's on-wire type code.
type Kind int

const (
	KindCommit   Kind = 1
	KindTree     Kind = 2
	KindBlob     Kind = 3
	KindTag      Kind = 4
	KindOfsDelta Kind = 6
	KindRefDelta Kind = 7
)

// IsDelta reports whether k is one of the two transient delta kinds.
func (k Kind) IsDelta() bool {
	return k == KindOfsDelta || k == KindRefDelta
}

// HashKind maps a resolved (non-delta) pack kind to its objecthash.Kind.
func (k Kind) HashKind() (objecthash.Kind, error) {
	switch k {
	case KindCommit:
		return objecthash.KindCommit, nil
	case KindTree:
		return objecthash.KindTree, nil
	case KindBlob:
		return objecthash.KindBlob, nil
	case KindTag:
		return objecthash.KindTag, nil
	default:
		return "", fmt.Errorf("objstore: kind %d has no hash representation", k)
	}
}

// Object is one pack entry: a resolved object (commit/tree/blob/tag) or,
// before C7 runs, an unresolved ofs-delta/ref-delta.
type Object struct {
	Kind Kind
	Hash objecthash.Hash // zero until resolved, for delta kinds

	PackOffset   int64            // byte offset of this entry within the pack
	IndexDelta   int              // ofs-delta: store index of the base object
	RefDeltaHash objecthash.Hash  // ref-delta: the base's hash
	OrderIndex   int              // position in the insertion-order array

	PayloadSize int64

	payload []byte // in-memory backing; nil when disk-backed
	disk    *diskBacking
}

type diskBacking struct {
	store  *Store
	offset int64
	size   int64
}

// SetPayload assigns obj's payload, paging it to the store's scratch file
// when low-memory mode is enabled.
func (s *Store) SetPayload(obj *Object, payload []byte) error {
	obj.PayloadSize = int64(len(payload))
	if s.scratch == nil {
		obj.payload = payload
		obj.disk = nil
		return nil
	}
	offset, err := s.scratch.Seek(0, io.SeekEnd)
	if err != nil {
		return wrapStorage("seek scratch file", err)
	}
	if _, err := s.scratch.Write(payload); err != nil {
		return wrapStorage("write scratch file", err)
	}
	obj.payload = nil
	obj.disk = &diskBacking{store: s, offset: offset, size: int64(len(payload))}
	return nil
}

// SetMemoryPayload assigns obj's payload and keeps it in memory regardless
// of low-memory mode. C7 uses it for resolved objects and for ref-delta
// bases it synthesizes from local files, so those are exempt from disk
// eviction (spec.md §4.5). Payloads set through SetPayload are paged to the
// scratch file in low-memory mode: C5's raw pack payloads, the trees
// manifest.Load synthesizes, and the blobs internal/materialize copies in
// from local files.
func (s *Store) SetMemoryPayload(obj *Object, payload []byte) {
	obj.PayloadSize = int64(len(payload))
	obj.payload = payload
	obj.disk = nil
}

// LoadBuffer returns obj's payload, reading it from disk if paged out.
func (o *Object) LoadBuffer() ([]byte, error) {
	if o.disk == nil {
		return o.payload, nil
	}
	buf := make([]byte, o.disk.size)
	if _, err := o.disk.store.scratchReader.ReadAt(buf, o.disk.offset); err != nil {
		return nil, wrapStorage("read scratch file", err)
	}
	return buf, nil
}

// ReleaseBuffer ends a LoadBuffer use and does nothing else: a disk-backed
// object keeps no reference to the copy LoadBuffer returned, so that copy is
// garbage collected once the caller drops it; a memory-backed object's
// buffer is its payload and stays.
func (o *Object) ReleaseBuffer(buf []byte) {
	_ = buf
}

// WithBuffer loads obj's payload, invokes fn, and releases the buffer
// afterward regardless of fn's outcome.
func (o *Object) WithBuffer(fn func([]byte) error) error {
	buf, err := o.LoadBuffer()
	if err != nil {
		return err
	}
	defer o.ReleaseBuffer(buf)
	return fn(buf)
}

// Store is the insertion-ordered, hash-indexed object table.
type Store struct {
	order  []*Object
	byHash map[objecthash.Hash]*Object

	repairMode bool

	scratch       *os.File
	scratchReader *os.File
	scratchPath   string
}

// NewStore creates an empty store. repairMode changes duplicate-hash
// handling: normal mode rejects a duplicate insert silently, repair mode
// replaces the earlier instance (spec.md §4.6).
func NewStore(repairMode bool) *Store {
	return &Store{
		byHash:     make(map[objecthash.Hash]*Object),
		repairMode: repairMode,
	}
}

// EnableLowMemory opens a scratch file at path for disk-paged payloads.
func (s *Store) EnableLowMemory(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return wrapStorage(fmt.Sprintf("open scratch file %s", path), err)
	}
	s.scratch = f
	s.scratchReader = f
	s.scratchPath = path
	return nil
}

// FinalizeLowMemory unlinks the scratch file; the already-open descriptor
// keeps serving reads until the store is discarded.
func (s *Store) FinalizeLowMemory() error {
	if s.scratchPath == "" {
		return nil
	}
	if err := os.Remove(s.scratchPath); err != nil {
		return wrapStorage(fmt.Sprintf("unlink scratch file %s", s.scratchPath), err)
	}
	s.scratchPath = ""
	return nil
}

// Close releases the scratch file descriptor, if any.
func (s *Store) Close() error {
	if s.scratch == nil {
		return nil
	}
	return s.scratch.Close()
}

// Insert adds obj to the store, assigning its OrderIndex; an ofs-delta
// later in the pack can still reference this slot by index even if its
// hash loses the byHash lookup below. A non-zero hash colliding with an
// existing entry is handled per repairMode: normal mode keeps the first
// instance reachable via FindByHash, repair mode makes the later instance
// reachable instead, since a repair re-fetch supersedes what's on disk.
func (s *Store) Insert(obj *Object) {
	obj.OrderIndex = len(s.order)
	s.order = append(s.order, obj)
	if obj.Hash.IsZero() {
		return
	}
	if _, ok := s.byHash[obj.Hash]; ok && !s.repairMode {
		return
	}
	s.byHash[obj.Hash] = obj
}

// SetHash assigns obj's resolved hash after delta resolution and indexes
// it, following the same repairMode precedence as Insert.
func (s *Store) SetHash(obj *Object, hash objecthash.Hash) {
	obj.Hash = hash
	if _, ok := s.byHash[hash]; ok && !s.repairMode {
		return
	}
	s.byHash[hash] = obj
}

// FindByHash looks up an object by its resolved hash.
func (s *Store) FindByHash(hash objecthash.Hash) (*Object, bool) {
	obj, ok := s.byHash[hash]
	return obj, ok
}

// AtIndex returns the object at insertion-order position i.
func (s *Store) AtIndex(i int) (*Object, bool) {
	if i < 0 || i >= len(s.order) {
		return nil, false
	}
	return s.order[i], true
}

// Len reports the number of objects currently in the store.
func (s *Store) Len() int {
	return len(s.order)
}

// All returns the objects in insertion order. Callers must not mutate the
// returned slice.
func (s *Store) All() []*Object {
	return s.order
}

func wrapStorage(message string, cause error) error {
	return ferr.StorageErr(message).WithCause(cause).Build()
}
