package ledger

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"sync"
)

// Record framing: 4-byte big-endian length, 4-byte CRC32 of the body, body.
const recordHeaderSize = 8

// FileStore is the production Store: one append-only file, length-prefixed
// records with a CRC. On open it scans the file and truncates a trailing
// partial or corrupt record so the chain recovers to a consistent prefix.
type FileStore struct {
	mu      sync.Mutex
	f       *os.File
	offsets []int64 // record index -> byte offset
	size    int64
	logger  *log.Logger
}

// OpenFileStore opens (or creates) the store at path and recovers its
// consistent prefix.
func OpenFileStore(path string, logger *log.Logger) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	s := &FileStore{f: f, logger: logger}
	if err := s.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// recover walks the file and indexes the records. A record whose framing
// runs past end-of-file is a partial write and is truncated away, as is a
// final record whose CRC fails (a torn write). A CRC mismatch in the
// middle of the file is NOT discarded: the record is still complete, and
// hiding it would mask tampering from chain verification.
func (s *FileStore) recover() error {
	info, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("filestore: stat: %w", err)
	}
	total := info.Size()

	type rec struct {
		pos   int64
		end   int64
		crcOK bool
	}
	var recs []rec

	var pos int64
	var hdr [recordHeaderSize]byte
	for pos+recordHeaderSize <= total {
		if _, err := s.f.ReadAt(hdr[:], pos); err != nil {
			break
		}
		n := int64(binary.BigEndian.Uint32(hdr[:4]))
		sum := binary.BigEndian.Uint32(hdr[4:8])
		if pos+recordHeaderSize+n > total {
			break // partial body
		}
		body := make([]byte, n)
		if _, err := s.f.ReadAt(body, pos+recordHeaderSize); err != nil {
			break
		}
		recs = append(recs, rec{pos: pos, end: pos + recordHeaderSize + n, crcOK: crc32.ChecksumIEEE(body) == sum})
		pos += recordHeaderSize + n
	}

	// A torn final record never made it to a durable append; drop it.
	if len(recs) > 0 && pos == total && !recs[len(recs)-1].crcOK {
		last := recs[len(recs)-1]
		recs = recs[:len(recs)-1]
		pos = last.pos
		if s.logger != nil {
			s.logger.Printf("[ledger] discarding torn final record at offset %d", last.pos)
		}
	}

	if pos < total {
		if s.logger != nil {
			s.logger.Printf("[ledger] discarding %d trailing bytes after partial write", total-pos)
		}
		if err := s.f.Truncate(pos); err != nil {
			return fmt.Errorf("filestore: truncate: %w", err)
		}
	}

	for _, r := range recs {
		s.offsets = append(s.offsets, r.pos)
	}
	s.size = pos
	return nil
}

func (s *FileStore) Append(b []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(b)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(b))

	buf := make([]byte, 0, recordHeaderSize+len(b))
	buf = append(buf, hdr[:]...)
	buf = append(buf, b...)

	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		return 0, fmt.Errorf("filestore: append: %w", err)
	}

	idx := int64(len(s.offsets))
	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(buf))
	return idx, nil
}

func (s *FileStore) Read(offset int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(offset)
}

func (s *FileStore) readLocked(offset int64) ([]byte, error) {
	if offset < 0 || offset >= int64(len(s.offsets)) {
		return nil, ErrNotFound
	}
	pos := s.offsets[offset]
	var hdr [recordHeaderSize]byte
	if _, err := s.f.ReadAt(hdr[:], pos); err != nil {
		return nil, fmt.Errorf("filestore: read header: %w", err)
	}
	n := int64(binary.BigEndian.Uint32(hdr[:4]))
	body := make([]byte, n)
	if _, err := s.f.ReadAt(body, pos+recordHeaderSize); err != nil && err != io.EOF {
		return nil, fmt.Errorf("filestore: read body: %w", err)
	}
	return body, nil
}

func (s *FileStore) Scan(fn func(offset int64, b []byte) bool) error {
	s.mu.Lock()
	count := int64(len(s.offsets))
	s.mu.Unlock()

	for i := int64(0); i < count; i++ {
		b, err := s.Read(i)
		if err != nil {
			return err
		}
		if !fn(i, b) {
			return nil
		}
	}
	return nil
}

func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
