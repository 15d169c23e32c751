// Package wal journals timer changes so they survive a restart.
// Records are encoded in little-endian format with CRC32 checksums.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Operation types for journal records
const (
	OpExpireAt byte = 0x01 // timer armed at DeadlineMs
	OpUnexpire byte = 0x02 // timer cancelled
	OpFired    byte = 0x03 // timer fired and key deleted
)

// Header size: CRC32 (4) + Op (1) + KeyLen (4) + Deadline (8) = 17 bytes
const headerSize = 17

// maxKeyLen bounds a single key so a corrupted length cannot trigger a huge allocation.
const maxKeyLen = 1 << 20

var (
	// ErrCorruptedRecord indicates a CRC32 mismatch in a journal record
	ErrCorruptedRecord = errors.New("wal: corrupted record (CRC32 mismatch)")
	// ErrInvalidOperation indicates an unknown operation type
	ErrInvalidOperation = errors.New("wal: invalid operation type")
)

// Record is one timer change.
type Record struct {
	Op         byte
	Key        string
	DeadlineMs int64
}

// Options configures Open.
type Options struct {
	// SyncWrites fsyncs after every Append.
	SyncWrites bool
}

// WAL is an append-only timer journal.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	opts     Options
}

// Open opens or creates a journal file at path, creating its directory.
func Open(path string, opts Options) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open file: %w", err)
	}

	return &WAL{file: file, filePath: path, opts: opts}, nil
}

// Path returns the journal file path.
func (w *WAL) Path() string { return w.filePath }

// Append writes a record to the end of the journal.
func (w *WAL) Append(rec Record) error {
	if rec.Op < OpExpireAt || rec.Op > OpFired {
		return ErrInvalidOperation
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: failed to seek to end: %w", err)
	}
	if _, err := w.file.Write(encodeRecord(rec)); err != nil {
		return fmt.Errorf("wal: failed to write record: %w", err)
	}
	if w.opts.SyncWrites {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: failed to sync: %w", err)
		}
	}
	return nil
}

// AppendBatch writes records with a single write call.
func (w *WAL) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	var buf []byte
	for _, rec := range records {
		if rec.Op < OpExpireAt || rec.Op > OpFired {
			return ErrInvalidOperation
		}
		buf = append(buf, encodeRecord(rec)...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: failed to seek to end: %w", err)
	}
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: failed to write batch: %w", err)
	}
	if w.opts.SyncWrites {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: failed to sync: %w", err)
		}
	}
	return nil
}

// Sync flushes the journal to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// ReadAll reads all valid records from the journal.
// Reading stops at the first corrupted or partial record, and the file is
// truncated there so later appends start from a clean tail.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: failed to seek: %w", err)
	}

	var records []Record
	var validOffset int64
	for {
		rec, n, err := readRecord(w.file)
		if err != nil {
			break
		}
		records = append(records, rec)
		validOffset += int64(n)
	}

	if err := w.file.Truncate(validOffset); err != nil {
		return nil, fmt.Errorf("wal: failed to truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("wal: failed to seek to end: %w", err)
	}
	return records, nil
}

// Rewrite replaces the journal with records, atomically through a
// temporary file and rename.
func (w *WAL) Rewrite(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.filePath + ".rewrite"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: failed to create rewrite file: %w", err)
	}
	for _, rec := range records {
		if _, err := tmp.Write(encodeRecord(rec)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: failed to write rewrite record: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to sync rewrite file: %w", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("wal: failed to replace journal: %w", err)
	}

	w.file.Close()
	w.file = tmp
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: failed to seek to end: %w", err)
	}
	return nil
}

// Close syncs and closes the journal file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync on close: %w", err)
	}
	return w.file.Close()
}

// Clear truncates the journal, removing all records.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: failed to truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: failed to seek: %w", err)
	}
	return w.file.Sync()
}

// Fold replays records in order and returns the live deadline per key.
func Fold(records []Record) map[string]int64 {
	live := make(map[string]int64)
	for _, rec := range records {
		switch rec.Op {
		case OpExpireAt:
			live[rec.Key] = rec.DeadlineMs
		case OpUnexpire, OpFired:
			delete(live, rec.Key)
		}
	}
	return live
}

// encodeRecord encodes a record into bytes with a CRC32 checksum.
// Format: CRC32 (4) + Op (1) + KeyLen (4) + Deadline (8) + Key
func encodeRecord(rec Record) []byte {
	data := make([]byte, headerSize+len(rec.Key))

	data[4] = rec.Op
	binary.LittleEndian.PutUint32(data[5:9], uint32(len(rec.Key)))
	binary.LittleEndian.PutUint64(data[9:17], uint64(rec.DeadlineMs))
	copy(data[headerSize:], rec.Key)

	binary.LittleEndian.PutUint32(data[0:4], crc32.ChecksumIEEE(data[4:]))
	return data
}

// readRecord reads a single record and returns it with the number of
// bytes consumed. A short read is reported as io.EOF.
func readRecord(r io.Reader) (Record, int, error) {
	header := make([]byte, headerSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, n, io.EOF
		}
		return Record{}, n, err
	}

	keyLen := binary.LittleEndian.Uint32(header[5:9])
	if keyLen > maxKeyLen {
		return Record{}, n, ErrCorruptedRecord
	}

	key := make([]byte, keyLen)
	m, err := io.ReadFull(r, key)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, n + m, io.EOF
		}
		return Record{}, n + m, err
	}

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(key)
	if crc.Sum32() != binary.LittleEndian.Uint32(header[0:4]) {
		return Record{}, n + m, ErrCorruptedRecord
	}

	op := header[4]
	if op < OpExpireAt || op > OpFired {
		return Record{}, n + m, ErrInvalidOperation
	}

	return Record{
		Op:         op,
		Key:        string(key),
		DeadlineMs: int64(binary.LittleEndian.Uint64(header[9:17])),
	}, n + m, nil
}
