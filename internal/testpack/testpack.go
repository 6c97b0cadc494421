// Package testpack builds minimal, valid pack byte streams for tests
// exercising internal/pack, without depending on a real Git server.
package testpack

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"

	"git.home.luguber.info/inful/gitup/internal/objstore"
)

// Entry describes one object to encode into a pack.
type Entry struct {
	Kind    objstore.Kind
	Payload []byte // plain object bytes, or the delta instruction stream

	// For KindOfsDelta: byte offset (within the pack, including the
	// 12-byte header) of the base entry.
	BaseOffset int64
	// For KindRefDelta: the base's 20-byte binary hash.
	BaseHash []byte
}

// Build encodes entries into a full pack stream: header, each entry's
// type/size/delta header plus deflated payload, and the SHA-1 trailer.
func Build(entries []Entry) []byte {
	var body bytes.Buffer
	body.WriteString("PACK")
	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], 2)
	body.Write(versionBuf[:])
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(entries)))
	body.Write(countBuf[:])

	for _, e := range entries {
		entryOffset := int64(body.Len())
		writeTypeAndSize(&body, e.Kind, int64(len(e.Payload)))

		switch e.Kind {
		case objstore.KindOfsDelta:
			writeOfsDeltaOffset(&body, entryOffset-e.BaseOffset+1)
		case objstore.KindRefDelta:
			body.Write(e.BaseHash)
		}

		zw := zlib.NewWriter(&body)
		zw.Write(e.Payload)
		zw.Close()
	}

	sum := sha1.Sum(body.Bytes())
	body.Write(sum[:])
	return body.Bytes()
}

func writeTypeAndSize(buf *bytes.Buffer, kind objstore.Kind, size int64) {
	b := byte(kind) << 4
	b |= byte(size & 0x0F)
	size >>= 4
	for size != 0 {
		buf.WriteByte(b | 0x80)
		b = byte(size & 0x7F)
		size >>= 7
	}
	buf.WriteByte(b)
}

func writeOfsDeltaOffset(buf *bytes.Buffer, offset int64) {
	// Inverse of decodeOfsDeltaOffset's "+1 per continuation, base-128" scheme.
	var stack []byte
	stack = append(stack, byte(offset&0x7F))
	offset >>= 7
	for offset != 0 {
		offset--
		stack = append(stack, byte(offset&0x7F)|0x80)
		offset >>= 7
	}
	for i := len(stack) - 1; i >= 0; i-- {
		buf.WriteByte(stack[i])
	}
}
