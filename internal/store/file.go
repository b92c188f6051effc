package store

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/freeeve/retrograde/internal/errs"
)

// FileStore keeps the header and groups in a single file, accessed with
// positioned reads and writes so handles never share a file cursor. Reads
// share a lock that writes take exclusively, so a read never observes a
// partly written group.
type FileStore struct {
	base
	mu       sync.RWMutex
	path     string
	f        *os.File
	dataOff  int64
	readOnly bool
}

// CreateFile creates (or truncates) path and sizes it for hdr. New records
// read as zero until written.
func CreateFile(path string, hdr *Header) (*FileStore, error) {
	head, err := hdr.MarshalBinary()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.IO("store: create "+path, err)
	}
	if _, err := f.WriteAt(head, 0); err != nil {
		f.Close()
		return nil, errs.IO("store: write header", err)
	}
	if err := f.Truncate(int64(len(head)) + int64(hdr.DataLen())); err != nil {
		f.Close()
		return nil, errs.IO("store: size "+path, err)
	}
	s := &FileStore{path: path, f: f, dataOff: int64(len(head))}
	s.base = newBase(hdr, s)
	return s, nil
}

// OpenFile opens an existing store file.
func OpenFile(path string, readOnly bool) (*FileStore, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errs.IO("store: open "+path, err)
	}
	hdr, n, err := ReadHeader(io.NewSectionReader(f, 0, math.MaxInt64))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.IO("store: stat "+path, err)
	}
	if want := int64(n) + int64(hdr.DataLen()); info.Size() < want {
		f.Close()
		return nil, corrupt("size", fmt.Errorf("%s is %d bytes, header needs %d", path, info.Size(), want))
	}
	s := &FileStore{path: path, f: f, dataOff: int64(n), readOnly: readOnly}
	s.base = newBase(hdr, s)
	return s, nil
}

// Path returns the file name.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) readAt(_ *Handle, p []byte, off uint64) error {
	at := s.dataOff + int64(off)
	s.mu.RLock()
	_, err := s.f.ReadAt(p, at)
	s.mu.RUnlock()
	if err != nil {
		return errs.IO("store: read "+s.path, err).WithOffset(at)
	}
	return nil
}

func (s *FileStore) writeAt(_ *Handle, p []byte, off uint64) error {
	if s.readOnly {
		return errs.New(errs.KindRange, "store: write "+s.path, ErrReadOnly)
	}
	at := s.dataOff + int64(off)
	s.mu.Lock()
	_, err := s.f.WriteAt(p, at)
	s.mu.Unlock()
	if err != nil {
		return errs.IO("store: write "+s.path, err).WithOffset(at)
	}
	return nil
}

// Flush makes all completed writes durable.
func (s *FileStore) Flush() error {
	if s.readOnly {
		return nil
	}
	if err := s.f.Sync(); err != nil {
		return errs.IO("store: sync "+s.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileStore) Close() error {
	err := s.Flush()
	if cerr := s.f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		err = errors.Join(err, errs.IO("store: close "+s.path, cerr))
	}
	return err
}
