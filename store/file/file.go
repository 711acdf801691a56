package file

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/swarmflow/store"
)

var (
	_ store.Log = &fileLog{}
)

/**
 * fileLog is the local durable backend: length-prefixed records in a
 * single append-only file, fsynced on every append. On open, the file
 * is scanned once to count records; a torn final record left by an
 * unclean shutdown is truncated away before new appends.
 */
type fileLog struct {
	mu sync.Mutex

	path string
	f    *os.File
	next int64
}

func NewLog(path string) (store.Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Annotatef(err, "open log %s", path)
	}

	l := &fileLog{path: path, f: f}
	goodOffset, count, err := l.scan()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}

	if err := f.Truncate(goodOffset); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "truncate torn tail of %s", path)
	}
	if _, err := f.Seek(goodOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}

	l.next = count
	return l, nil
}

// scan walks the file and returns the offset after the last complete
// record and the number of complete records.
func (l *fileLog) scan() (int64, int64, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, errors.Trace(err)
	}

	var (
		offset int64
		count  int64
		header [8]byte
	)
	for {
		_, err := io.ReadFull(l.f, header[:])
		if err == io.EOF {
			return offset, count, nil
		}
		if err == io.ErrUnexpectedEOF {
			log.Warnf("log %s: torn record header at offset %d, truncating", l.path, offset)
			return offset, count, nil
		}
		if err != nil {
			return 0, 0, errors.Trace(err)
		}

		size := int64(binary.BigEndian.Uint64(header[:]))
		if _, err := l.f.Seek(size, io.SeekCurrent); err != nil {
			return 0, 0, errors.Trace(err)
		}
		end, err := l.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, 0, errors.Trace(err)
		}

		fi, err := l.f.Stat()
		if err != nil {
			return 0, 0, errors.Trace(err)
		}
		if end > fi.Size() {
			log.Warnf("log %s: torn record body at offset %d, truncating", l.path, offset)
			return offset, count, nil
		}

		offset = end
		count++
	}
}

func (l *fileLog) Append(ctx context.Context, rec []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(rec)))
	if _, err := l.f.Write(header[:]); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := l.f.Write(rec); err != nil {
		return 0, errors.Trace(err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, errors.Annotatef(err, "fsync log %s", l.path)
	}

	pos := l.next
	l.next++
	return pos, nil
}

func (l *fileLog) Replay(ctx context.Context, from int64, iterator func(pos int64, rec []byte) bool) error {
	// A separate read handle leaves the append offset untouched.
	f, err := os.Open(l.path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()

	var (
		pos    int64
		header [8]byte
	)
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.Trace(err)
		}
		size := binary.BigEndian.Uint64(header[:])
		rec := make([]byte, size)
		if _, err := io.ReadFull(f, rec); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.Trace(err)
		}

		if pos >= from {
			if !iterator(pos, rec) {
				return nil
			}
		}
		pos++
	}
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Sync(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(l.f.Close())
}
