// Package delta resolves the ofs-delta/ref-delta objects a pack decode
// leaves behind: walking each delta's base chain, replaying copy/insert
// instructions against a merge buffer, and storing the resolved bytes
// back under the base's kind (spec.md §4.7).
package delta

import (
	"fmt"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
)

// LocalBlobResolver lets C7 ask the local scanner/manifest to locate a
// ref-delta base that isn't present in the pack itself (spec.md §4.7).
type LocalBlobResolver interface {
	ResolveLocalBlob(hash objecthash.Hash) (payload []byte, found bool, err error)
}

// Resolve walks every object in store in reverse insertion order,
// resolving delta chains as it encounters an unresolved delta. Objects
// already resolved by an earlier chain walk (because a later delta's
// chain passed through them) are skipped.
func Resolve(store *objstore.Store, resolver LocalBlobResolver) error {
	for i := store.Len() - 1; i >= 0; i-- {
		obj, ok := store.AtIndex(i)
		if !ok || !obj.Kind.IsDelta() {
			continue
		}
		if err := resolveChain(store, resolver, obj); err != nil {
			return err
		}
	}
	return nil
}

// resolveChain follows obj's delta chain to a non-delta base, then
// replays the chain from the base outward, updating every intermediate
// object's payload, hash, and kind as it resolves.
func resolveChain(store *objstore.Store, resolver LocalBlobResolver, obj *objstore.Object) error {
	var chain []*objstore.Object
	cur := obj
	for cur.Kind.IsDelta() {
		chain = append(chain, cur)
		base, err := resolveBase(store, resolver, cur)
		if err != nil {
			return err
		}
		cur = base
	}
	base := cur

	hashKind, err := base.Kind.HashKind()
	if err != nil {
		return missingBaseErr(fmt.Sprintf("resolved base has no hashable kind: %v", err))
	}

	merge, err := base.LoadBuffer()
	if err != nil {
		return err
	}

	for k := len(chain) - 1; k >= 0; k-- {
		d := chain[k]
		deltaPayload, err := d.LoadBuffer()
		if err != nil {
			return err
		}
		result, err := apply(merge, deltaPayload)
		if err != nil {
			return err
		}
		merge = result

		d.Kind = base.Kind
		hash := objecthash.Of(hashKind, merge)
		store.SetMemoryPayload(d, merge)
		store.SetHash(d, hash)
	}
	return nil
}

// resolveBase finds cur's base object, synthesizing a new blob via
// resolver when a ref-delta's base isn't in the pack.
func resolveBase(store *objstore.Store, resolver LocalBlobResolver, cur *objstore.Object) (*objstore.Object, error) {
	switch cur.Kind {
	case objstore.KindOfsDelta:
		base, ok := store.AtIndex(cur.IndexDelta)
		if !ok {
			return nil, missingBaseErr(fmt.Sprintf("ofs-delta base index %d not found", cur.IndexDelta))
		}
		return base, nil
	case objstore.KindRefDelta:
		if base, ok := store.FindByHash(cur.RefDeltaHash); ok {
			return base, nil
		}
		if resolver == nil {
			return nil, missingBaseErr(fmt.Sprintf("ref-delta base %s not in pack and no local resolver configured", cur.RefDeltaHash))
		}
		payload, found, err := resolver.ResolveLocalBlob(cur.RefDeltaHash)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, missingBaseErr(fmt.Sprintf("ref-delta base %s not found locally", cur.RefDeltaHash))
		}
		synthesized := &objstore.Object{Kind: objstore.KindBlob, Hash: cur.RefDeltaHash}
		store.SetMemoryPayload(synthesized, payload)
		store.Insert(synthesized)
		return synthesized, nil
	default:
		return nil, missingBaseErr(fmt.Sprintf("object kind %d is not a delta", cur.Kind))
	}
}

// apply replays a single delta's copy/insert instruction stream against
// base, producing the resolved object bytes (spec.md §4.7 step 3).
func apply(base, delta []byte) ([]byte, error) {
	oldSize, pos, err := readVarint(delta, 0)
	if err != nil {
		return nil, err
	}
	if oldSize != int64(len(base)) {
		return nil, overflowErr(fmt.Sprintf("delta old_size %d does not match base length %d", oldSize, len(base)))
	}
	newSize, pos, err := readVarint(delta, pos)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, newSize)
	for pos < len(delta) {
		opcode := delta[pos]
		pos++

		if opcode&0x80 != 0 {
			offset, length, next, err := readCopyArgs(delta, pos, opcode)
			if err != nil {
				return nil, err
			}
			pos = next
			if length == 0 {
				length = 65536
			}
			if offset < 0 || offset+length > len(base) {
				return nil, overflowErr(fmt.Sprintf("copy instruction reads [%d,%d) beyond base length %d", offset, offset+length, len(base)))
			}
			if len(out)+length > int(newSize) {
				return nil, overflowErr(fmt.Sprintf("copy instruction would write past new_size %d", newSize))
			}
			out = append(out, base[offset:offset+length]...)
			continue
		}

		length := int(opcode & 0x7F)
		if pos+length > len(delta) {
			return nil, overflowErr("insert instruction truncated")
		}
		if len(out)+length > int(newSize) {
			return nil, overflowErr(fmt.Sprintf("insert instruction would write past new_size %d", newSize))
		}
		out = append(out, delta[pos:pos+length]...)
		pos += length
	}

	if int64(len(out)) != newSize {
		return nil, overflowErr(fmt.Sprintf("resolved length %d does not match delta new_size %d", len(out), newSize))
	}
	return out, nil
}

// readCopyArgs decodes the offset/length bytes selected by a copy
// instruction's opcode bits (spec.md §4.7 step 3).
func readCopyArgs(delta []byte, pos int, opcode byte) (offset, length, next int, err error) {
	readByteIf := func(bit byte, shift uint, into *int) error {
		if opcode&bit == 0 {
			return nil
		}
		if pos >= len(delta) {
			return overflowErr("copy instruction truncated")
		}
		*into |= int(delta[pos]) << shift
		pos++
		return nil
	}
	if err := readByteIf(0x01, 0, &offset); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x02, 8, &offset); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x04, 16, &offset); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x08, 24, &offset); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x10, 0, &length); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x20, 8, &length); err != nil {
		return 0, 0, 0, err
	}
	if err := readByteIf(0x40, 16, &length); err != nil {
		return 0, 0, 0, err
	}
	return offset, length, pos, nil
}

// readVarint reads a delta-header variable-length integer: 7 bits per
// byte, little-endian, continuation while the top bit is set.
func readVarint(data []byte, pos int) (int64, int, error) {
	var value int64
	var shift uint
	for {
		if pos >= len(data) {
			return 0, 0, overflowErr("truncated delta header varint")
		}
		b := data[pos]
		pos++
		value |= int64(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return value, pos, nil
}

func overflowErr(message string) error {
	return ferr.DeltaErr(message).WithContext("delta_kind", "overflow").Build()
}

func missingBaseErr(message string) error {
	return ferr.DeltaErr(message).WithContext("delta_kind", "missing_base").Build()
}
