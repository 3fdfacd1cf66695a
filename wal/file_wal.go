package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

const (
	walFilePerm = 0600
	walDirPerm  = 0700

	maxRecordSize     = 10 * 1024 * 1024
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024
)

// FileWAL is a segmented file-backed WAL. Segments rotate at a size
// limit; an in-memory index maps decided heights to the segment holding
// their end marker.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	started      bool
	minSegment   int
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64

	heightIndex map[uint64]int
}

// NewFileWAL creates a file-backed WAL in the given directory.
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a file-backed WAL with a custom segment
// size limit.
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}, nil
}

// Start scans existing segments, rebuilds the height index and opens the
// newest segment for appending.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.heightIndex = make(map[uint64]int)

	segments := findSegments(w.dir)
	if len(segments) == 0 {
		w.minSegment = 0
		w.segmentIndex = 0
	} else {
		w.minSegment = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	}

	if err := w.buildIndex(); err != nil {
		return fmt.Errorf("failed to build WAL index: %w", err)
	}
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// buildIndex scans all segments for end-of-height markers.
func (w *FileWAL) buildIndex() error {
	for idx := w.minSegment; idx <= w.segmentIndex; idx++ {
		file, err := os.Open(w.segmentPath(idx))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			rec, err := dec.Decode()
			if err != nil {
				// EOF or a torn tail; either way this segment has no
				// more complete records.
				break
			}
			if RecordType(rec.Type) == RecordEndHeight {
				w.heightIndex[rec.Height] = idx
			}
		}
		file.Close()
	}
	return nil
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes, syncs and closes the WAL.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Write appends a message (buffered).
func (w *FileWAL) Write(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(msg)
}

// WriteSync appends a message and syncs to disk.
func (w *FileWAL) WriteSync(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) write(msg Message) error {
	if !w.started {
		return ErrWALClosed
	}

	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}

	rec, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	n, err := w.enc.Encode(rec)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if RecordType(rec.Type) == RecordEndHeight {
		w.heightIndex[rec.Height] = w.segmentIndex
	}
	return nil
}

func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndHeight returns a Reader positioned after the given
// height's end marker. The height index makes the common case a single
// segment scan.
func (w *FileWAL) SearchForEndHeight(height uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if segIdx, ok := w.heightIndex[height]; ok {
		reader, found, err := w.searchSegment(segIdx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			return reader, true, nil
		}
	}

	for idx := w.minSegment; idx <= w.segmentIndex; idx++ {
		reader, found, err := w.searchSegment(idx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			w.heightIndex[height] = idx
			return reader, true, nil
		}
	}
	return nil, false, nil
}

func (w *FileWAL) searchSegment(segmentIndex int, height uint64) (Reader, bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	reader := &fileReader{
		file: file,
		dec:  newDecoder(bufio.NewReader(file)),
	}
	for {
		rec, err := reader.dec.Decode()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if RecordType(rec.Type) == RecordEndHeight && rec.Height == height {
			return reader, true, nil
		}
	}
}

// Checkpoint deletes segments whose records all belong to heights at or
// below the given one. Call after state is durably persisted there. The
// segment currently being written is never deleted.
func (w *FileWAL) Checkpoint(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	var deletable []int
	for idx := w.minSegment; idx < w.segmentIndex; idx++ {
		ok, err := w.segmentBelow(idx, height)
		if err != nil || !ok {
			break
		}
		deletable = append(deletable, idx)
	}

	for _, idx := range deletable {
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		for h, segIdx := range w.heightIndex {
			if segIdx == idx {
				delete(w.heightIndex, h)
			}
		}
	}
	if len(deletable) > 0 {
		w.minSegment = deletable[len(deletable)-1] + 1
	}
	return nil
}

func (w *FileWAL) segmentBelow(segmentIndex int, height uint64) (bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var maxHeight uint64
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		if rec.Height > maxHeight {
			maxHeight = rec.Height
		}
	}
	return maxHeight <= height, nil
}

// SegmentCount returns the number of live segments.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex - w.minSegment + 1
}

var _ WAL = (*FileWAL)(nil)

// encoder frames records as length prefix, payload, CRC32.
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w, buf: make([]byte, 4)}
}

func (e *encoder) Encode(rec *record) (int, error) {
	data, err := cramberry.Marshal(rec)
	if err != nil {
		return 0, err
	}

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, crc32.ChecksumIEEE(data))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r, buf: make([]byte, 4)}
}

func (d *decoder) Decode() (*record, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(d.buf)
	if length > maxRecordSize {
		return nil, ErrWALCorrupted
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	expected := binary.BigEndian.Uint32(d.buf)
	actual := crc32.ChecksumIEEE(data)
	if expected != actual {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	rec := &record{}
	if err := cramberry.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWALCorrupted, err)
	}
	return rec, nil
}

// fileReader reads messages from a single WAL segment.
type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (Message, error) {
	rec, err := r.dec.Decode()
	if err != nil {
		return nil, err
	}
	return decodeRecord(rec)
}

func (r *fileReader) Close() error {
	return r.file.Close()
}

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens the whole log for reading from the beginning.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1,
	}, nil
}

func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through all segments in order.
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (Message, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current])))
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{
				file: file,
				dec:  newDecoder(bufio.NewReader(file)),
			}
		}

		msg, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
