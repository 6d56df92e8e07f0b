package trail

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Format describes the sample layout of a trail or backing file.
type Format struct {
	Channels int
	Rate     float64
}

// BackingFile is a multichannel frame file with an implicit seek position.
// Buffers are channel-major: buf[ch][off+i] holds frame i of channel ch.
type BackingFile interface {
	// Name identifies the file, usually its path.
	Name() string

	// Seek moves the frame position used by the next read or write.
	Seek(frame int64) error

	// ReadFrames reads up to n frames at the current position and advances it.
	// A nil channel slice in buf is skipped.
	ReadFrames(buf [][]float32, off, n int) (int, error)

	// WriteFrames writes n frames at the current position and advances it.
	WriteFrames(buf [][]float32, off, n int) (int, error)

	FrameCount() int64
	SetFrameCount(n int64) error
	ChannelCount() int
	SampleRate() float64

	Flush() error
	Close() error

	// Delete closes the file if needed and removes it from storage.
	Delete() error
}

// TempProvider creates ephemeral backing files.
type TempProvider interface {
	CreateTemp(format Format) (BackingFile, error)
}

const (
	tempMagic      = "TRLF"
	tempVersion    = 1
	tempHeaderSize = 24
	ioChunkFrames  = 4096
)

// LocalTempProvider creates float temp files in a directory of the local
// file system.
type LocalTempProvider struct {
	// Dir is the directory for temp files. Empty means os.TempDir().
	Dir string

	// Prefix is prepended to generated file names.
	Prefix string
}

// CreateTemp creates a new, empty temp file.
func (p *LocalTempProvider) CreateTemp(format Format) (BackingFile, error) {
	if format.Channels <= 0 {
		return nil, fmt.Errorf("%w: temp file needs at least one channel", ErrInvalidOperation)
	}
	dir := p.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	name := filepath.Join(dir, p.Prefix+uuid.NewString()+".trlf")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	ff := &floatFile{f: f, name: name, channels: format.Channels, rate: format.Rate}
	if err := ff.writeHeader(); err != nil {
		f.Close()
		os.Remove(name)
		return nil, err
	}
	return ff, nil
}

// OpenFloatFile opens an existing float temp file for reading and writing.
func OpenFloatFile(name string) (BackingFile, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	ff := &floatFile{f: f, name: name}
	if err := ff.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return ff, nil
}

// floatFile stores interleaved little-endian float32 frames after a small header.
type floatFile struct {
	f        *os.File
	name     string
	channels int
	rate     float64
	frames   int64
	pos      int64
	scratch  []byte
}

func (ff *floatFile) writeHeader() error {
	var hdr [tempHeaderSize]byte
	copy(hdr[0:4], tempMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], tempVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(ff.channels))
	binary.LittleEndian.PutUint64(hdr[8:16], math.Float64bits(ff.rate))
	if _, err := ff.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: write header %s: %w", ErrIO, ff.name, err)
	}
	return nil
}

func (ff *floatFile) readHeader() error {
	var hdr [tempHeaderSize]byte
	if _, err := ff.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadTempFile, ff.name, err)
	}
	if string(hdr[0:4]) != tempMagic || binary.LittleEndian.Uint16(hdr[4:6]) != tempVersion {
		return fmt.Errorf("%w: %s: bad magic or version", ErrBadTempFile, ff.name)
	}
	ff.channels = int(binary.LittleEndian.Uint16(hdr[6:8]))
	ff.rate = math.Float64frombits(binary.LittleEndian.Uint64(hdr[8:16]))
	if ff.channels <= 0 {
		return fmt.Errorf("%w: %s: no channels", ErrBadTempFile, ff.name)
	}
	info, err := ff.f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	ff.frames = (info.Size() - tempHeaderSize) / int64(ff.frameBytes())
	if ff.frames < 0 {
		ff.frames = 0
	}
	return nil
}

func (ff *floatFile) frameBytes() int {
	return ff.channels * 4
}

func (ff *floatFile) Name() string        { return ff.name }
func (ff *floatFile) FrameCount() int64   { return ff.frames }
func (ff *floatFile) ChannelCount() int   { return ff.channels }
func (ff *floatFile) SampleRate() float64 { return ff.rate }

func (ff *floatFile) Seek(frame int64) error {
	if frame < 0 || frame > ff.frames {
		return fmt.Errorf("%w: seek %d outside [0,%d] in %s", ErrInvalidOperation, frame, ff.frames, ff.name)
	}
	ff.pos = frame
	return nil
}

func (ff *floatFile) ReadFrames(buf [][]float32, off, n int) (int, error) {
	if len(buf) != ff.channels {
		return 0, fmt.Errorf("%w: buffer has %d channels, file %d", ErrChannelMismatch, len(buf), ff.channels)
	}
	if avail := ff.frames - ff.pos; int64(n) > avail {
		n = int(avail)
	}
	done := 0
	for done < n {
		chunk := min(n-done, ioChunkFrames)
		raw := ff.scratchBytes(chunk)
		if _, err := ff.f.ReadAt(raw, ff.byteOffset(ff.pos)); err != nil && !errors.Is(err, io.EOF) {
			return done, fmt.Errorf("%w: read %s: %w", ErrIO, ff.name, err)
		}
		for i := 0; i < chunk; i++ {
			base := i * ff.frameBytes()
			for ch, data := range buf {
				if data == nil {
					continue
				}
				bits := binary.LittleEndian.Uint32(raw[base+ch*4:])
				data[off+done+i] = math.Float32frombits(bits)
			}
		}
		done += chunk
		ff.pos += int64(chunk)
	}
	return done, nil
}

func (ff *floatFile) WriteFrames(buf [][]float32, off, n int) (int, error) {
	if len(buf) != ff.channels {
		return 0, fmt.Errorf("%w: buffer has %d channels, file %d", ErrChannelMismatch, len(buf), ff.channels)
	}
	done := 0
	for done < n {
		chunk := min(n-done, ioChunkFrames)
		raw := ff.scratchBytes(chunk)
		for i := 0; i < chunk; i++ {
			base := i * ff.frameBytes()
			for ch, data := range buf {
				binary.LittleEndian.PutUint32(raw[base+ch*4:], math.Float32bits(data[off+done+i]))
			}
		}
		if _, err := ff.f.WriteAt(raw, ff.byteOffset(ff.pos)); err != nil {
			return done, fmt.Errorf("%w: write %s: %w", ErrIO, ff.name, err)
		}
		done += chunk
		ff.pos += int64(chunk)
		if ff.pos > ff.frames {
			ff.frames = ff.pos
		}
	}
	return done, nil
}

func (ff *floatFile) SetFrameCount(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative frame count", ErrInvalidOperation)
	}
	if err := ff.f.Truncate(ff.byteOffset(n)); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", ErrIO, ff.name, err)
	}
	ff.frames = n
	if ff.pos > n {
		ff.pos = n
	}
	return nil
}

// Flush is a no-op: frames are written straight through to the file.
func (ff *floatFile) Flush() error {
	return nil
}

func (ff *floatFile) Close() error {
	if ff.f == nil {
		return nil
	}
	err := ff.f.Close()
	ff.f = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, ff.name, err)
	}
	return nil
}

func (ff *floatFile) Delete() error {
	closeErr := ff.Close()
	if err := os.Remove(ff.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, ff.name, err)
	}
	return closeErr
}

func (ff *floatFile) byteOffset(frame int64) int64 {
	return tempHeaderSize + frame*int64(ff.frameBytes())
}

func (ff *floatFile) scratchBytes(frames int) []byte {
	size := frames * ff.frameBytes()
	if cap(ff.scratch) < size {
		ff.scratch = make([]byte, size)
	}
	return ff.scratch[:size]
}

// SharedFile is a reference counted BackingFile that several stakes or
// regions may point into. All transfers lock the file, since they depend on
// its implicit seek position.
type SharedFile struct {
	mu    sync.Mutex
	file  BackingFile
	refs  int
	owned bool // delete on last release
	log   logrus.FieldLogger
}

// newSharedFile wraps f with one reference held by the caller.
func newSharedFile(f BackingFile, owned bool, log logrus.FieldLogger) *SharedFile {
	if log == nil {
		log = defaultLogger()
	}
	return &SharedFile{file: f, refs: 1, owned: owned, log: log}
}

// Name returns the name of the underlying file.
func (sf *SharedFile) Name() string {
	return sf.file.Name()
}

// Channels returns the channel count of the underlying file.
func (sf *SharedFile) Channels() int {
	return sf.file.ChannelCount()
}

// Refs returns the current reference count.
func (sf *SharedFile) Refs() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.refs
}

func (sf *SharedFile) retain() *SharedFile {
	sf.mu.Lock()
	sf.refs++
	sf.mu.Unlock()
	return sf
}

// release drops one reference. The last release closes the file and, for
// owned temp files, deletes it. Failures are logged only.
func (sf *SharedFile) release() {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.refs <= 0 {
		return
	}
	sf.refs--
	if sf.refs > 0 {
		return
	}
	var err error
	if sf.owned {
		err = sf.file.Delete()
	} else {
		err = sf.file.Close()
	}
	if err != nil {
		sf.log.WithError(err).WithField("file", sf.file.Name()).Warn("backing file cleanup failed")
	}
}

func (sf *SharedFile) readAt(frame int64, buf [][]float32, off, n int) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := sf.file.Seek(frame); err != nil {
		return 0, err
	}
	return sf.file.ReadFrames(buf, off, n)
}

func (sf *SharedFile) writeAt(frame int64, buf [][]float32, off, n int) (int, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := sf.file.Seek(frame); err != nil {
		return 0, err
	}
	return sf.file.WriteFrames(buf, off, n)
}

func (sf *SharedFile) flush() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.file.Flush()
}

// fileSet hands out consecutive frame ranges of temp files. Its lock only
// guards the allocation counter and is never held while reading or writing.
type fileSet struct {
	mu        sync.Mutex
	provider  TempProvider
	format    Format
	maxFrames int64
	log       logrus.FieldLogger

	cur    *SharedFile
	next   int64
	files  int
	frames int64
	closed bool
}

func newFileSet(provider TempProvider, format Format, maxFrames int64, log logrus.FieldLogger) *fileSet {
	return &fileSet{provider: provider, format: format, maxFrames: maxFrames, log: log}
}

// alloc reserves n frames and returns the file with a reference for the caller.
func (fs *fileSet) alloc(n int64) (*SharedFile, Interval, error) {
	if n < 0 {
		return nil, Interval{}, fmt.Errorf("%w: negative allocation", ErrInvalidOperation)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil, Interval{}, ErrDisposed
	}
	if fs.cur == nil || (fs.next > 0 && fs.next+n > fs.maxFrames) {
		f, err := fs.provider.CreateTemp(fs.format)
		if err != nil {
			return nil, Interval{}, err
		}
		if fs.cur != nil {
			fs.cur.release()
		}
		fs.cur = newSharedFile(f, true, fs.log)
		fs.next = 0
		fs.files++
	}

	span := SpanLen(fs.next, n)
	fs.cur.mu.Lock()
	err := fs.cur.file.SetFrameCount(span.Stop)
	fs.cur.mu.Unlock()
	if err != nil {
		return nil, Interval{}, err
	}
	fs.next = span.Stop
	fs.frames += n
	return fs.cur.retain(), span, nil
}

// reclaim hands span of f back to the set if it was the most recent
// allocation, truncating the file. It returns false otherwise.
func (fs *fileSet) reclaim(f *SharedFile, span Interval) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cur != f || fs.next != span.Stop {
		return false
	}
	f.mu.Lock()
	err := f.file.SetFrameCount(span.Start)
	f.mu.Unlock()
	if err != nil {
		fs.log.WithError(err).WithField("file", f.Name()).Warn("truncating reclaimed frames failed")
		return false
	}
	fs.next = span.Start
	fs.frames -= span.Len()
	return true
}

// close drops the set's own reference to its current file. Files stay alive
// while stakes or regions still refer to them.
func (fs *fileSet) close() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return
	}
	fs.closed = true
	if fs.cur != nil {
		fs.cur.release()
		fs.cur = nil
	}
}

func (fs *fileSet) stats() (files int, frames int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.files, fs.frames
}
