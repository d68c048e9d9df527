package mpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/monad-mpt/monad-mpt/pkg/device"
	"github.com/monad-mpt/monad-mpt/pkg/fs"
)

// metadataMagic identifies a valid metadata record.
var metadataMagic = [4]byte{'M', 'M', 'P', 'T'}

const metadataFormatVersion uint32 = 1

// metadata is the durable database header: the current root-offset
// history ring plus bookkeeping the chunk writer needs to resume
// appending after a restart. It is persisted as two alternating files,
// double-buffered and whole-file atomic-replaced, so a crash mid-write
// always leaves at least one intact, valid copy.
type metadata struct {
	Generation       uint64
	LatestVersion    Version
	FinalizedVersion Version
	HasAny           bool
	OldestVersion    Version
	History          []RootOffset
	ActiveChunk      device.ChunkID // fast/hot write stream's current chunk
	ActiveOffset     uint32
	ActiveChunkSlow  device.ChunkID // slow/cold (compaction) write stream's current chunk
	ActiveOffsetSlow uint32
	FreeList         []device.FreeListEntry // storage pool's reclaimed-chunk free list, head first
}

// encode serializes m with a trailing CRC32 checksum over everything that
// precedes it.
func (m *metadata) encode() []byte {
	buf := new(bytes.Buffer)
	buf.Write(metadataMagic[:])
	writeUint32(buf, metadataFormatVersion)
	writeUint64(buf, m.Generation)
	writeUint64(buf, uint64(m.LatestVersion))
	writeUint64(buf, uint64(m.FinalizedVersion))
	writeBool(buf, m.HasAny)
	writeUint64(buf, uint64(m.OldestVersion))
	writeUint32(buf, uint32(len(m.History)))
	for _, ro := range m.History {
		writeUint64(buf, uint64(ro.Version))
		writeUint32(buf, uint32(ro.Offset.ChunkID))
		writeUint32(buf, ro.Offset.ByteOffset)
	}
	writeUint32(buf, uint32(m.ActiveChunk))
	writeUint32(buf, m.ActiveOffset)
	writeUint32(buf, uint32(m.ActiveChunkSlow))
	writeUint32(buf, m.ActiveOffsetSlow)
	writeUint32(buf, uint32(len(m.FreeList)))
	for _, e := range m.FreeList {
		writeUint32(buf, uint32(e.Chunk))
		writeUint64(buf, e.InsertionCount)
	}

	payload := buf.Bytes()
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], sum)
	return out
}

func decodeMetadata(data []byte) (*metadata, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: metadata record too short", ErrCorruptMetadata)
	}

	payload, storedSum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(payload) != storedSum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptMetadata)
	}

	r := bytes.NewReader(payload)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != metadataMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptMetadata)
	}

	formatVersion, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	if formatVersion != metadataFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptMetadata, formatVersion)
	}

	m := &metadata{}

	gen, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.Generation = gen

	lv, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.LatestVersion = Version(lv)

	fv, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.FinalizedVersion = Version(fv)

	hasAny, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.HasAny = hasAny

	ov, err := readUint64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.OldestVersion = Version(ov)

	histLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.History = make([]RootOffset, 0, histLen)
	for i := uint32(0); i < histLen; i++ {
		v, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		chunkID, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		byteOffset, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		m.History = append(m.History, RootOffset{Version: Version(v), Offset: ChunkOffset{ChunkID: device.ChunkID(chunkID), ByteOffset: byteOffset}})
	}

	activeChunk, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.ActiveChunk = device.ChunkID(activeChunk)

	activeOffset, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.ActiveOffset = activeOffset

	activeChunkSlow, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.ActiveChunkSlow = device.ChunkID(activeChunkSlow)

	activeOffsetSlow, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.ActiveOffsetSlow = activeOffsetSlow

	freeLen, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	m.FreeList = make([]device.FreeListEntry, 0, freeLen)
	for i := uint32(0); i < freeLen; i++ {
		chunk, err := readUint32(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		insertionCount, err := readUint64(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		m.FreeList = append(m.FreeList, device.FreeListEntry{Chunk: device.ChunkID(chunk), InsertionCount: insertionCount})
	}

	return m, nil
}

// metadataStore persists metadata as two alternating, atomically-replaced
// files; recovery picks whichever has the higher valid Generation. It goes
// through an fs.FS rather than the os package directly so the same crash/
// fault-injection harness used elsewhere in this module's ancestry
// (fs.Crash, fs.Chaos) can be substituted in tests to exercise torn writes
// at exactly this commit boundary.
type metadataStore struct {
	dir    string
	fsys   fs.FS
	writer *fs.AtomicWriter
}

func newMetadataStore(dir string) *metadataStore {
	return newMetadataStoreFS(dir, fs.NewReal())
}

// newMetadataStoreFS creates a metadataStore against a caller-supplied
// filesystem, for tests that want to inject crashes or faults into the
// metadata commit path.
func newMetadataStoreFS(dir string, fsys fs.FS) *metadataStore {
	return &metadataStore{dir: dir, fsys: fsys, writer: fs.NewAtomicWriter(fsys)}
}

func (s *metadataStore) paths() [2]string {
	return [2]string{
		filepath.Join(s.dir, "METADATA.0"),
		filepath.Join(s.dir, "METADATA.1"),
	}
}

// Load reads both metadata slots and returns the valid one with the
// highest Generation. If neither file exists, it returns a fresh empty
// metadata record (a brand-new database). If a file exists but is corrupt
// while the other is valid, the valid one wins silently (that's the point
// of double-buffering); if both exist and are corrupt, ErrCorruptMetadata.
func (s *metadataStore) Load() (*metadata, error) {
	var candidates []*metadata
	var sawAnyFile bool
	var sawCorrupt bool

	for _, p := range s.paths() {
		data, err := s.fsys.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("mpt: reading metadata file %s: %w", p, err)
		}
		sawAnyFile = true

		m, err := decodeMetadata(data)
		if err != nil {
			sawCorrupt = true
			continue
		}
		candidates = append(candidates, m)
	}

	if len(candidates) == 0 {
		if sawAnyFile && sawCorrupt {
			return nil, ErrCorruptMetadata
		}
		return &metadata{ActiveChunk: 0, ActiveOffset: 0}, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Generation > best.Generation {
			best = c
		}
	}
	return best, nil
}

// Save writes m to the slot that was NOT the source of the current
// Generation (so the other slot remains a valid fallback if this write is
// interrupted), atomically, via temp-file-then-rename.
func (s *metadataStore) Save(m *metadata) error {
	if err := s.fsys.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mpt: creating metadata dir: %w", err)
	}

	paths := s.paths()
	target := paths[m.Generation%2]

	data := m.encode()
	if err := s.writer.WriteWithDefaults(target, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("mpt: writing metadata file %s: %w", target, err)
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}
