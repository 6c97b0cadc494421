// Package pack decodes a Git pack byte stream into objects held by an
// objstore.Store: the PACK header, per-object type/size/delta headers,
// and the deflate payload, finishing with a SHA-1 trailer check
// (spec.md §4.5).
package pack

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"git.home.luguber.info/inful/gitup/internal/ferr"
	"git.home.luguber.info/inful/gitup/internal/objecthash"
	"git.home.luguber.info/inful/gitup/internal/objstore"
)

const (
	magic         = "PACK"
	supportedVers = 2
	trailerSize   = objecthash.Size
)

// Decode parses data as a full pack stream and inserts each object into
// store. It returns the object count declared by the header.
func Decode(data []byte, store *objstore.Store) (int, error) {
	if len(data) < len(magic)+4+4+trailerSize {
		return 0, corruptErr("pack data shorter than minimum header+trailer size")
	}
	if string(data[:4]) != magic {
		return 0, corruptErr(fmt.Sprintf("missing PACK marker, got %q", data[:4]))
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != supportedVers {
		return 0, corruptErr(fmt.Sprintf("unsupported pack version %d", version))
	}
	count := binary.BigEndian.Uint32(data[8:12])

	body := data[:len(data)-trailerSize]
	trailer := data[len(data)-trailerSize:]

	offsetIndex := make(map[int64]int, count)
	offset := int64(12)

	for i := uint32(0); i < count; i++ {
		entryStart := offset
		br := bytes.NewReader(data[offset:])

		kind, size, err := decodeTypeAndSize(br)
		if err != nil {
			return 0, corruptErr(fmt.Sprintf("object %d: type/size header: %v", i, err))
		}

		obj := &objstore.Object{
			Kind:       kind,
			PackOffset: entryStart,
		}

		switch kind {
		case objstore.KindOfsDelta:
			decodedOffset, err := decodeOfsDeltaOffset(br)
			if err != nil {
				return 0, corruptErr(fmt.Sprintf("object %d: ofs-delta header: %v", i, err))
			}
			baseOffset := entryStart - decodedOffset + 1
			idx, ok := offsetIndex[baseOffset]
			if !ok {
				return 0, corruptErr(fmt.Sprintf("object %d: ofs-delta base offset %d not found", i, baseOffset))
			}
			obj.IndexDelta = idx
		case objstore.KindRefDelta:
			hashBytes := make([]byte, objecthash.Size)
			if _, err := io.ReadFull(br, hashBytes); err != nil {
				return 0, corruptErr(fmt.Sprintf("object %d: truncated ref-delta hash: %v", i, err))
			}
			h, err := objecthash.ParseBinary(hashBytes)
			if err != nil {
				return 0, corruptErr(fmt.Sprintf("object %d: %v", i, err))
			}
			obj.RefDeltaHash = h
		case objstore.KindCommit, objstore.KindTree, objstore.KindBlob, objstore.KindTag:
			// no extra header
		default:
			return 0, corruptErr(fmt.Sprintf("object %d: unknown type code %d", i, kind))
		}

		headerLen := int64(len(data[offset:])) - int64(br.Len())
		payloadStart := offset + headerLen

		payload, consumed, err := inflate(data[payloadStart:], size)
		if err != nil {
			return 0, corruptErr(fmt.Sprintf("object %d: deflate payload: %v", i, err))
		}

		if !kind.IsDelta() {
			hashKind, err := kind.HashKind()
			if err != nil {
				return 0, corruptErr(fmt.Sprintf("object %d: %v", i, err))
			}
			obj.Hash = objecthash.Of(hashKind, payload)
		}

		if err := store.SetPayload(obj, payload); err != nil {
			return 0, err
		}
		store.Insert(obj)
		offsetIndex[entryStart] = obj.OrderIndex

		offset = payloadStart + consumed
	}

	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], trailer) {
		return 0, corruptErr("SHA-1 trailer mismatch")
	}

	return int(count), nil
}

// decodeTypeAndSize reads the first byte's type code (bits 4-6) and the
// variable-length size that follows (spec.md §4.5 step 1).
func decodeTypeAndSize(br *bytes.Reader) (objstore.Kind, int64, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	kind := objstore.Kind((b >> 4) & 0x7)
	size := int64(b & 0x0F)
	shift := uint(4)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		size |= int64(b&0x7F) << shift
		shift += 7
	}
	return kind, size, nil
}

// decodeOfsDeltaOffset reads the ofs-delta base-128 variable integer,
// adding 1 at each continuation (spec.md §4.5 step 2).
func decodeOfsDeltaOffset(br *bytes.Reader) (int64, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, err
	}
	offset := int64(b & 0x7F)
	for b&0x80 != 0 {
		b, err = br.ReadByte()
		if err != nil {
			return 0, err
		}
		offset++
		offset = (offset << 7) | int64(b&0x7F)
	}
	return offset, nil
}

// inflate stream-decompresses a single deflate entry starting at data[0].
// data's backing bytes.Reader satisfies io.ByteReader, so the flate reader
// consumes exactly the compressed bytes with no read-ahead buffering,
// letting the caller resume parsing immediately after. It returns the
// decoded payload and the number of compressed bytes consumed.
func inflate(data []byte, expectedSize int64) ([]byte, int64, error) {
	br := bytes.NewReader(data)
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, 0, err
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, 0, err
	}
	if int64(len(payload)) != expectedSize {
		return nil, 0, fmt.Errorf("decoded size %d does not match declared size %d", len(payload), expectedSize)
	}
	consumed := int64(len(data)) - int64(br.Len())
	return payload, consumed, nil
}

func corruptErr(message string) error {
	return ferr.PackCorruptErr(message).Build()
}
