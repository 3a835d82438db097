package outbox

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"board-api/domain"
)

// Each framed entry is a fixed header (payload length, CRC, offset) followed
// by the JSON payload. Torn tails are truncated on recovery.
const frameHeaderSize = 16

var (
	errJournalClosed = errors.New("journal closed")
	crcTable         = crc32.MakeTable(crc32.Castagnoli)
)

type journalConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	syncInterval time.Duration
	logger       *log.Logger
}

type segment struct {
	baseOffset uint64
	lastOffset uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	path       string
}

// record is one journaled mutation plus its delivery bookkeeping.
type record struct {
	Offset   uint64          `json:"offset"`
	Mutation domain.Mutation `json:"mutation"`
	Accepted time.Time       `json:"accepted"`
	Attempt  int             `json:"attempt"`
	LastErr  string          `json:"lastErr,omitempty"`

	encodedSize int64
	notified    bool
}

type journal struct {
	cfg             journalConfig
	mu              sync.Mutex
	segments        []*segment
	nextOffset      uint64
	committedOffset uint64
	closed          bool
	pendingSync     int
	lastSync        time.Time
}

// openJournal loads existing segments, truncating any torn tail, and returns
// the records accepted but not yet committed.
func openJournal(cfg journalConfig) (*journal, []*record, error) {
	if cfg.dir == "" {
		return nil, nil, fmt.Errorf("journal dir required")
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}

	j := &journal{cfg: cfg}
	checkpoint, err := j.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	j.committedOffset = checkpoint
	j.nextOffset = checkpoint + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, "mutations-*.log"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	pending := make([]*record, 0)
	for _, path := range paths {
		seg, segRecords, err := j.loadSegment(path)
		if err != nil {
			return nil, nil, err
		}
		if seg == nil {
			continue
		}
		j.segments = append(j.segments, seg)
		for _, rec := range segRecords {
			if rec.Offset >= j.nextOffset {
				j.nextOffset = rec.Offset + 1
			}
			if rec.Offset > j.committedOffset {
				pending = append(pending, rec)
			}
		}
	}

	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		last := j.segments[len(j.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
	}

	return j, pending, nil
}

func (j *journal) readCheckpoint() (uint64, error) {
	path := filepath.Join(j.cfg.dir, "checkpoint")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

func (j *journal) loadSegment(path string) (*segment, []*record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	seg := &segment{path: path, file: f, size: fi.Size()}
	records := make([]*record, 0)
	reader := bufio.NewReaderSize(f, 64*1024)
	var lastOffset uint64
	var pos int64
	for {
		hdr := make([]byte, frameHeaderSize)
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if truncateErr := f.Truncate(start); truncateErr != nil {
					return nil, nil, truncateErr
				}
				break
			}
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		recOffset := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 {
			continue
		}
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				if truncateErr := f.Truncate(start); truncateErr != nil {
					return nil, nil, truncateErr
				}
				break
			}
			return nil, nil, err
		}

		if crc32.Checksum(buf, crcTable) != crc {
			if err := f.Truncate(start); err != nil {
				return nil, nil, err
			}
			break
		}

		var rec record
		if err := json.Unmarshal(buf, &rec); err != nil {
			return nil, nil, err
		}
		if rec.Offset != recOffset {
			return nil, nil, fmt.Errorf("journal offset mismatch: header=%d payload=%d", recOffset, rec.Offset)
		}
		if seg.baseOffset == 0 {
			seg.baseOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		rec.encodedSize = int64(frameHeaderSize) + int64(length)
		lastOffset = rec.Offset
		records = append(records, &rec)
	}

	seg.size = pos
	if seg.baseOffset == 0 {
		seg.baseOffset = lastOffset
	}

	return seg, records, nil
}

func (j *journal) openSegmentLocked() error {
	if j.closed {
		return errJournalClosed
	}
	name := fmt.Sprintf("mutations-%020d.log", j.nextOffset)
	path := filepath.Join(j.cfg.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &segment{
		baseOffset: j.nextOffset,
		lastOffset: j.nextOffset - 1,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024),
		path:       path,
	})
	return nil
}

func (j *journal) appendRecordLocked(rec *record) error {
	if j.closed {
		return errJournalClosed
	}
	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			return err
		}
	}
	current := j.segments[len(j.segments)-1]
	if current.size >= j.cfg.segmentBytes {
		if err := current.writer.Flush(); err != nil {
			return err
		}
		if err := current.file.Sync(); err != nil {
			return err
		}
		current.writer = nil
		if err := current.file.Close(); err != nil {
			return err
		}
		if err := j.openSegmentLocked(); err != nil {
			return err
		}
		current = j.segments[len(j.segments)-1]
	}

	rec.Offset = j.nextOffset
	j.nextOffset++

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Offset)

	if _, err := current.writer.Write(header); err != nil {
		return err
	}
	if _, err := current.writer.Write(payload); err != nil {
		return err
	}
	if err := current.writer.Flush(); err != nil {
		return err
	}

	rec.encodedSize = int64(len(header) + len(payload))
	current.size += rec.encodedSize
	current.lastOffset = rec.Offset
	j.pendingSync++
	return nil
}

func (j *journal) rollbackRecordLocked(rec *record) error {
	if len(j.segments) == 0 {
		return nil
	}
	current := j.segments[len(j.segments)-1]
	if rec.Offset != current.lastOffset {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, current.lastOffset)
	}
	if current.size < rec.encodedSize {
		return fmt.Errorf("rollback underflow")
	}
	current.size -= rec.encodedSize
	if err := current.file.Truncate(current.size); err != nil {
		return err
	}
	if _, err := current.file.Seek(current.size, io.SeekStart); err != nil {
		return err
	}
	current.writer = bufio.NewWriterSize(current.file, 64*1024)
	j.nextOffset = rec.Offset
	current.lastOffset--
	return nil
}

func (j *journal) syncIfNeededLocked() error {
	if j.cfg.syncEvery <= 1 {
		return j.syncLocked()
	}
	if j.pendingSync >= j.cfg.syncEvery {
		return j.syncLocked()
	}
	if j.cfg.syncInterval > 0 && j.lastSync.IsZero() {
		j.lastSync = time.Now()
	}
	return nil
}

func (j *journal) syncLocked() error {
	if j.closed {
		return errJournalClosed
	}
	if len(j.segments) == 0 {
		return nil
	}
	current := j.segments[len(j.segments)-1]
	if current.writer != nil {
		if err := current.writer.Flush(); err != nil {
			return err
		}
	}
	if err := current.file.Sync(); err != nil {
		return err
	}
	j.pendingSync = 0
	j.lastSync = time.Now()
	return nil
}

// commitLocked persists the delivery watermark and prunes fully committed
// segments.
func (j *journal) commitLocked(offset uint64) error {
	if offset <= j.committedOffset {
		return nil
	}
	j.committedOffset = offset
	path := filepath.Join(j.cfg.dir, "checkpoint")
	tmp := path + ".tmp"
	data := []byte(strconv.FormatUint(offset, 10))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := syncDir(j.cfg.dir); err != nil {
		return err
	}
	j.pruneSegmentsLocked()
	return nil
}

func (j *journal) pruneSegmentsLocked() {
	for len(j.segments) > 1 {
		seg := j.segments[0]
		if seg.lastOffset > j.committedOffset {
			break
		}
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if j.cfg.logger != nil {
				j.cfg.logger.WithError(err).Warnf("failed to remove journal segment %s", seg.path)
			}
			break
		}
		j.segments = j.segments[1:]
	}
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	for _, seg := range j.segments {
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
