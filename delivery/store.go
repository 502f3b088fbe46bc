package delivery

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// snapshot record: u32 length, u8 priority, data
const recordHeaderSize = 5

// maxRecordSize rejects corrupted length fields.
const maxRecordSize = 64 * 1024 * 1024

var ErrCorruptSnapshot = errors.New("corrupt queue snapshot")

// WriteTo writes every frame as an unsent record. Packet ids are not
// persisted: after a restart nothing is in flight.
func (q *Queue) WriteTo(w io.Writer) (int64, error) {
	q.mu.Lock()
	frames := append([]*Frame(nil), q.frames...)
	q.mu.Unlock()

	bw := bufio.NewWriter(w)
	var (
		total int64
		hdr   [recordHeaderSize]byte
	)
	for _, f := range frames {
		binary.LittleEndian.PutUint32(hdr[0:], uint32(len(f.Data)))
		hdr[4] = f.Priority
		n, err := bw.Write(hdr[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = bw.Write(f.Data)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// ReadFrom appends the records read from r as unsent frames.
func (q *Queue) ReadFrom(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var (
		total int64
		batch Batch
		hdr   [recordHeaderSize]byte
	)
	for {
		n, err := io.ReadFull(br, hdr[:])
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("%w: truncated record header", ErrCorruptSnapshot)
		}

		size := binary.LittleEndian.Uint32(hdr[0:])
		if size > maxRecordSize {
			return total, fmt.Errorf("%w: record of %d bytes", ErrCorruptSnapshot, size)
		}
		data := make([]byte, size)
		n, err = io.ReadFull(br, data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("%w: truncated record", ErrCorruptSnapshot)
		}
		batch.frames = append(batch.frames, &Frame{Data: data, Priority: max(hdr[4], MinPriority)})
	}

	q.mu.Lock()
	q.frames = append(q.frames, batch.frames...)
	q.mu.Unlock()
	return total, nil
}

// Store keeps queue snapshots in a directory, one file per queue.
type Store struct {
	dir string

	// held from snapshot to rename so saves land in the order they read
	mu sync.Mutex
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the snapshot file of the queue: <alias>.queue, or
// <alias>.Hub.queue on the hub side.
func (s *Store) Path(alias string, hub bool) string {
	name := alias
	if hub {
		name += ".Hub"
	}
	return filepath.Join(s.dir, name+".queue")
}

// Save replaces the snapshot of q atomically.
func (s *Store) Save(q *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(q.alias, q.hub)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := q.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load appends the snapshot of q, if any, and returns the number of
// restored frames.
func (s *Store) Load(q *Queue) (int, error) {
	f, err := os.Open(s.Path(q.alias, q.hub))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	before := q.Len()
	if _, err := q.ReadFrom(f); err != nil {
		return 0, err
	}
	return q.Len() - before, nil
}

// Remove deletes the snapshot of q.
func (s *Store) Remove(q *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.Path(q.alias, q.hub))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
