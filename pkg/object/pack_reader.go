package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
)

// maxDeltaDepth bounds delta chain resolution. git itself writes chains of at
// most 50 by default and 250 with --aggressive.
const maxDeltaDepth = 512

// maxObjectSize rejects entries whose declared size could only come from a
// corrupt pack. It is far above anything git hosting accepts.
const maxObjectSize = 4 << 30

// preallocLimit caps buffers sized from pack or delta headers; larger
// objects grow their buffer as data actually arrives.
const preallocLimit = 1 << 20

var errDeltaTruncated = errors.New("delta truncated")

// entryHeaderProbe is enough bytes for an entry header plus an OFS_DELTA
// distance or a REF_DELTA base id.
const entryHeaderProbe = 32

// packFile is an open pack paired with its index. Entries are read with
// ReadAt so a packFile may be shared by concurrent readers.
type packFile struct {
	name string
	idx  *PackIndex
	f    *os.File
	size int64
}

// openPackFile loads idxPath and opens the matching .pack, checking that the
// two agree on object count and pack checksum.
func openPackFile(idxPath, packPath string) (*packFile, error) {
	idxData, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, fmt.Errorf("read pack index: %w", err)
	}
	idx, err := ReadPackIndex(idxData)
	if err != nil {
		return nil, fmt.Errorf("parse pack index: %w", err)
	}

	f, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat pack: %w", err)
	}
	if st.Size() < packHeaderSize+sha1.Size {
		f.Close()
		return nil, fmt.Errorf("pack too short: %d", st.Size())
	}

	var hdr [packHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("read pack header: %w", err)
	}
	header, err := UnmarshalPackHeader(hdr[:])
	if err != nil {
		f.Close()
		return nil, err
	}
	if int(header.NumObjects) != idx.Len() {
		f.Close()
		return nil, fmt.Errorf("pack has %d objects, index has %d", header.NumObjects, idx.Len())
	}

	var trailer [sha1.Size]byte
	if _, err := f.ReadAt(trailer[:], st.Size()-sha1.Size); err != nil {
		f.Close()
		return nil, fmt.Errorf("read pack trailer: %w", err)
	}
	if Hash(hex.EncodeToString(trailer[:])) != idx.PackChecksum {
		f.Close()
		return nil, fmt.Errorf("checksum mismatch between index and pack")
	}

	return &packFile{name: packPath, idx: idx, f: f, size: st.Size()}, nil
}

func (p *packFile) close() error {
	return p.f.Close()
}

// refResolver reads an object by id. REF_DELTA bases are looked up through
// it since a base may live outside this pack.
type refResolver func(h Hash) (ObjectType, []byte, error)

// readAt decodes the object stored at offset, resolving delta chains.
func (p *packFile) readAt(offset uint64, resolve refResolver, depth int) (ObjectType, []byte, error) {
	if depth > maxDeltaDepth {
		return "", nil, fmt.Errorf("delta chain deeper than %d", maxDeltaDepth)
	}
	if offset < packHeaderSize || int64(offset) >= p.size-sha1.Size {
		return "", nil, fmt.Errorf("entry offset %d out of range", offset)
	}

	probe := make([]byte, entryHeaderProbe)
	n, err := p.f.ReadAt(probe, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("read entry header at %d: %w", offset, err)
	}
	probe = probe[:n]

	packType, size, consumed, err := decodePackEntryHeader(probe)
	if err != nil {
		return "", nil, fmt.Errorf("entry at %d: %w", offset, err)
	}

	switch packType {
	case PackCommit, PackTree, PackBlob, PackTag:
		objType, _ := packObjectTypeToObjectType(packType)
		data, err := p.inflate(offset+uint64(consumed), size)
		if err != nil {
			return "", nil, fmt.Errorf("entry at %d: %w", offset, err)
		}
		return objType, data, nil

	case PackOfsDelta:
		distance, m, err := decodeOfsDistance(probe[consumed:])
		if err != nil {
			return "", nil, fmt.Errorf("entry at %d: %w", offset, err)
		}
		if distance == 0 || distance > offset {
			return "", nil, fmt.Errorf("entry at %d: invalid ofs-delta distance %d", offset, distance)
		}
		baseType, base, err := p.readAt(offset-distance, resolve, depth+1)
		if err != nil {
			return "", nil, err
		}
		return p.patch(offset, offset+uint64(consumed+m), size, baseType, base)

	case PackRefDelta:
		if len(probe) < consumed+sha1.Size {
			return "", nil, fmt.Errorf("entry at %d: ref-delta base truncated", offset)
		}
		baseHash, err := hashFromRaw(probe[consumed : consumed+sha1.Size])
		if err != nil {
			return "", nil, err
		}
		var (
			baseType ObjectType
			base     []byte
		)
		if e, ok := p.idx.Find(baseHash); ok {
			baseType, base, err = p.readAt(e.Offset, resolve, depth+1)
		} else {
			baseType, base, err = resolve(baseHash)
		}
		if err != nil {
			return "", nil, fmt.Errorf("entry at %d: ref-delta base %s: %w", offset, baseHash, err)
		}
		return p.patch(offset, offset+uint64(consumed+sha1.Size), size, baseType, base)

	default:
		return "", nil, fmt.Errorf("entry at %d: unsupported pack object type %d", offset, packType)
	}
}

func (p *packFile) patch(offset, dataStart, size uint64, baseType ObjectType, base []byte) (ObjectType, []byte, error) {
	delta, err := p.inflate(dataStart, size)
	if err != nil {
		return "", nil, fmt.Errorf("entry at %d: %w", offset, err)
	}
	out, err := patchDelta(base, delta)
	if err != nil {
		return "", nil, fmt.Errorf("entry at %d: %w", offset, err)
	}
	return baseType, out, nil
}

// patchDelta rebuilds an object from base and a git delta: two sizes (base,
// result) as little-endian base-128 varints, then copy and insert opcodes.
// A copy opcode has its high bit set; bits 0-3 flag which offset bytes
// follow and bits 4-6 which size bytes, a zero size meaning 0x10000. Any
// other non-zero opcode inserts that many literal bytes.
func patchDelta(base, delta []byte) ([]byte, error) {
	baseSize, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, fmt.Errorf("delta base size: %w", errDeltaTruncated)
	}
	delta = delta[n:]
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta expects a %d byte base, have %d", baseSize, len(base))
	}
	resultSize, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, fmt.Errorf("delta result size: %w", errDeltaTruncated)
	}
	delta = delta[n:]
	if resultSize > maxObjectSize {
		return nil, fmt.Errorf("delta result size %d exceeds limit", resultSize)
	}

	out := make([]byte, 0, min(resultSize, preallocLimit))
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]

		if op&0x80 == 0 {
			if op == 0 {
				return nil, fmt.Errorf("delta opcode 0 is reserved")
			}
			if int(op) > len(delta) {
				return nil, fmt.Errorf("delta insert of %d bytes: %w", op, errDeltaTruncated)
			}
			out = append(out, delta[:op]...)
			delta = delta[op:]
		} else {
			var start, length uint64
			for bit := uint(0); bit < 7; bit++ {
				if op&(1<<bit) == 0 {
					continue
				}
				if len(delta) == 0 {
					return nil, fmt.Errorf("delta copy arguments: %w", errDeltaTruncated)
				}
				if bit < 4 {
					start |= uint64(delta[0]) << (8 * bit)
				} else {
					length |= uint64(delta[0]) << (8 * (bit - 4))
				}
				delta = delta[1:]
			}
			if length == 0 {
				length = 0x10000
			}
			if start+length > uint64(len(base)) {
				return nil, fmt.Errorf("delta copy [%d, %d) outside %d byte base", start, start+length, len(base))
			}
			out = append(out, base[start:start+length]...)
		}

		if uint64(len(out)) > resultSize {
			return nil, fmt.Errorf("delta output exceeds declared %d bytes", resultSize)
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, fmt.Errorf("delta produced %d bytes, declared %d", len(out), resultSize)
	}
	return out, nil
}

// inflate decompresses exactly size bytes of zlib data starting at start.
func (p *packFile) inflate(start, size uint64) ([]byte, error) {
	if size > maxObjectSize {
		return nil, fmt.Errorf("entry size %d exceeds limit", size)
	}
	section := io.NewSectionReader(p.f, int64(start), p.size-int64(start))
	zr, err := zlib.NewReader(section)
	if err != nil {
		return nil, fmt.Errorf("zlib reader: %w", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	buf.Grow(int(min(size, preallocLimit)))
	if _, err := io.CopyN(&buf, zr, int64(size)); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return buf.Bytes(), nil
}
