// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cordon-systems/cordon/lib/clock"
	"github.com/cordon-systems/cordon/lib/codec"
	"github.com/cordon-systems/cordon/lib/secret"
)

const (
	// DefaultMaxFileSize is the rotation threshold when Options
	// leaves MaxFileSize zero.
	DefaultMaxFileSize = 10 << 20

	// DefaultMaxFiles is the retention count when Options leaves
	// MaxFiles zero.
	DefaultMaxFiles = 10

	// DefaultCheckInterval is the proactive rotation check period
	// when Options leaves CheckInterval zero.
	DefaultCheckInterval = 60 * time.Second

	// DefaultQueueSize is the submission queue depth when Options
	// leaves QueueSize zero.
	DefaultQueueSize = 64

	// proactiveRotationFraction is how full the current file may get
	// before the periodic check rotates it early.
	proactiveRotationFraction = 0.9
)

// CompressionOptions controls payload compression before encryption.
type CompressionOptions struct {
	// Enabled turns compression on. Off by default.
	Enabled bool

	// Threshold is the serialized payload size above which
	// compression is attempted. Defaults to
	// DefaultCompressionThreshold.
	Threshold int

	// Algorithm selects zstd (default) or lz4.
	Algorithm Algorithm
}

// Options configures a Logger. Directory and MasterKey are required;
// everything else has a default.
type Options struct {
	// Directory receives the audit files. Created with mode 0700 if
	// missing.
	Directory string

	// MasterKey is the 32-byte key all per-event keys derive from.
	// The Logger borrows it; the caller closes it after Close.
	MasterKey *secret.Buffer

	// MaxFileSize is the rotation threshold in bytes.
	MaxFileSize int64

	// MaxFiles is how many audit files to retain, current included.
	// Older files are deleted at rotation.
	MaxFiles int

	// CheckInterval is how often the writer checks whether the
	// current file is near MaxFileSize and rotates it proactively.
	CheckInterval time.Duration

	// QueueSize bounds how many encrypted records may wait for the
	// writer before Log blocks.
	QueueSize int

	// Compression controls payload compression before encryption.
	Compression CompressionOptions

	// Codec selects the payload encoding: CodecJSON (default) or
	// CodecCBOR.
	Codec string

	// Iterations is the PBKDF2 iteration count for per-event keys.
	// Defaults to DefaultIterations.
	Iterations int

	// Clock supplies time. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational diagnostics (fallbacks, rotation
	// failures). Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of logger activity.
type Stats struct {
	EventsLogged         int64
	BytesWritten         int64
	Rotations            int64
	CompressionFallbacks int64
	CipherFallbacks      int64
	CurrentFile          string
}

// submission is one encoded record waiting for the writer. The writer
// reports the append outcome on errc, which is buffered so an
// abandoned waiter never blocks it.
type submission struct {
	line []byte
	errc chan error
}

// Logger encrypts audit events and appends them to rotating files in
// submission order. Safe for concurrent use. A single goroutine owns
// the file handle; Log blocks until that goroutine has durably
// appended the record.
type Logger struct {
	options      Options
	logger       *slog.Logger
	clk          clock.Clock
	integrityKey []byte

	// closeMu serializes Log against Close: Log holds the read side
	// across its channel send so the submissions channel can never be
	// closed mid-send.
	closeMu sync.RWMutex
	closed  bool

	submissions chan submission
	writerDone  chan struct{}
	ticker      *clock.Ticker

	// Writer-goroutine state. Touched by New before the goroutine
	// starts, then exclusively by writeLoop.
	file        *os.File
	currentSize int64
	files       []string

	statsMu sync.Mutex
	stats   Stats
}

// New opens the first audit file and starts the writer goroutine.
func New(options Options) (*Logger, error) {
	if options.Directory == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if options.MasterKey == nil || options.MasterKey.Len() != derivedKeySize {
		return nil, fmt.Errorf("master key must be exactly %d bytes", derivedKeySize)
	}
	if options.MaxFileSize <= 0 {
		options.MaxFileSize = DefaultMaxFileSize
	}
	if options.MaxFiles <= 0 {
		options.MaxFiles = DefaultMaxFiles
	}
	if options.CheckInterval <= 0 {
		options.CheckInterval = DefaultCheckInterval
	}
	if options.QueueSize <= 0 {
		options.QueueSize = DefaultQueueSize
	}
	if options.Compression.Threshold <= 0 {
		options.Compression.Threshold = DefaultCompressionThreshold
	}
	if options.Compression.Algorithm == "" {
		options.Compression.Algorithm = AlgorithmZstd
	}
	switch options.Codec {
	case "":
		options.Codec = CodecJSON
	case CodecJSON, CodecCBOR:
	default:
		return nil, fmt.Errorf("unsupported payload codec: %q", options.Codec)
	}
	if options.Iterations <= 0 {
		options.Iterations = DefaultIterations
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if err := os.MkdirAll(options.Directory, 0o700); err != nil {
		return nil, &IOError{Op: "create audit directory", Path: options.Directory, Err: err}
	}

	integrityKey, err := deriveIntegrityKey(options.MasterKey)
	if err != nil {
		return nil, err
	}

	logger := &Logger{
		options:      options,
		logger:       options.Logger.With("component", "auditlog"),
		clk:          options.Clock,
		integrityKey: integrityKey,
		submissions:  make(chan submission, options.QueueSize),
		writerDone:   make(chan struct{}),
	}

	// Existing audit files count against retention; seed the list so
	// a restarted process keeps pruning correctly. Names embed the
	// creation timestamp, so lexical order is chronological.
	existing, err := filepath.Glob(filepath.Join(options.Directory, "audit-*"+fileSuffix))
	if err == nil {
		sort.Strings(existing)
		logger.files = existing
	}

	if err := logger.openNewFile(); err != nil {
		secret.Zero(integrityKey)
		return nil, err
	}

	logger.ticker = logger.clk.NewTicker(options.CheckInterval)
	go logger.writeLoop()

	return logger, nil
}

// Log encrypts the event and blocks until the writer goroutine has
// appended it. Events from concurrent callers land in the file in the
// order their submissions entered the queue. Returns ErrClosed after
// Close, ctx.Err() if the context expires first, or an *IOError if the
// append failed (in which case nothing from this call remains in the
// file).
func (l *Logger) Log(ctx context.Context, event Event) error {
	line, err := l.encode(event)
	if err != nil {
		return err
	}

	sub := submission{line: line, errc: make(chan error, 1)}

	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		return ErrClosed
	}
	select {
	case l.submissions <- sub:
		l.closeMu.RUnlock()
	case <-ctx.Done():
		l.closeMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-sub.errc:
		return err
	case <-ctx.Done():
		// The record is queued and will still be written; the caller
		// just stops waiting for confirmation.
		return ctx.Err()
	}
}

// encode runs the serialize → compress → encrypt → tag pipeline and
// returns the newline-terminated record line.
func (l *Logger) encode(event Event) ([]byte, error) {
	event = normalize(event, l.clk.Now())

	var payload []byte
	var err error
	switch l.options.Codec {
	case CodecCBOR:
		payload, err = codec.Marshal(event)
	default:
		payload, err = json.Marshal(event)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding audit event: %w", err)
	}

	record := Record{}
	if l.options.Compression.Enabled && len(payload) > l.options.Compression.Threshold {
		compressed, compressErr := compressPayload(payload, l.options.Compression.Algorithm)
		switch {
		case compressErr == nil:
			record.Compressed = true
			record.Compression = l.options.Compression.Algorithm
			record.UncompressedSize = len(payload)
			payload = compressed
		case errors.Is(compressErr, errIncompressible):
			// Stored as-is; nothing to report.
		default:
			l.logger.Warn("payload compression failed, storing uncompressed",
				"algorithm", l.options.Compression.Algorithm,
				"error", compressErr)
			l.addStat(func(s *Stats) { s.CompressionFallbacks++ })
		}
	}

	envelope, err := seal(l.options.MasterKey, payload, event.Timestamp, l.options.Iterations, AlgorithmGCM)
	if err != nil {
		l.logger.Warn("AES-GCM encryption unavailable, falling back to AES-CBC",
			"error", err)
		l.addStat(func(s *Stats) { s.CipherFallbacks++ })
		envelope, err = seal(l.options.MasterKey, payload, event.Timestamp, l.options.Iterations, AlgorithmCBC)
		if err != nil {
			return nil, fmt.Errorf("encrypting audit event: %w", err)
		}
	}

	record.Envelope = *envelope
	record.HMAC, err = computeIntegrity(l.integrityKey, envelope)
	if err != nil {
		return nil, err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("serializing audit record: %w", err)
	}
	return append(line, '\n'), nil
}

// writeLoop is the single owner of the audit file. It appends queued
// records in arrival order and rotates proactively on the ticker.
func (l *Logger) writeLoop() {
	defer close(l.writerDone)
	for {
		select {
		case sub, ok := <-l.submissions:
			if !ok {
				l.closeFile()
				return
			}
			sub.errc <- l.append(sub.line)
		case <-l.ticker.C:
			if float64(l.currentSize) > float64(l.options.MaxFileSize)*proactiveRotationFraction {
				if err := l.rotate(); err != nil {
					l.logger.Error("proactive rotation failed", "error", err)
				}
			}
		}
	}
}

// append writes one record line, rotating first if the line would
// push the file past MaxFileSize. All-or-nothing: a partial write is
// truncated away before the error is returned.
func (l *Logger) append(line []byte) error {
	if l.currentSize > 0 && l.currentSize+int64(len(line)) > l.options.MaxFileSize {
		if err := l.rotate(); err != nil {
			// Keep writing to the oversized file rather than drop the
			// record.
			l.logger.Error("rotation failed, continuing on current file", "error", err)
		}
	}

	written, err := l.file.Write(line)
	if err != nil {
		if written > 0 {
			// The file is opened O_APPEND, so after the truncate the
			// next write lands at the restored end of file rather than
			// at the stale offset.
			if truncErr := l.file.Truncate(l.currentSize); truncErr != nil {
				l.logger.Error("truncating partial audit record failed",
					"file", l.file.Name(), "error", truncErr)
			}
		}
		return &IOError{Op: "append audit record", Path: l.file.Name(), Err: err}
	}
	l.currentSize += int64(written)

	l.addStat(func(s *Stats) {
		s.EventsLogged++
		s.BytesWritten += int64(written)
	})
	return nil
}

// rotate opens the next audit file and only then retires the current
// one. When the open fails the current file stays in place, so append
// always has a live handle to fall back on.
func (l *Logger) rotate() error {
	previous := l.file
	if err := l.openNewFile(); err != nil {
		return err
	}
	l.syncAndClose(previous)
	l.addStat(func(s *Stats) { s.Rotations++ })
	return nil
}

// openNewFile creates the next audit file, writes its header, and
// prunes files beyond MaxFiles. Numeric suffixes resolve name
// collisions from rotations within one timestamp granule.
func (l *Logger) openNewFile() error {
	now := l.clk.Now()
	pid := os.Getpid()
	base := fileName(now, pid)

	var file *os.File
	path := filepath.Join(l.options.Directory, base)
	for attempt := 1; ; attempt++ {
		// O_APPEND keeps the write position pinned to the end of file,
		// so recovery from a truncated partial write never leaves a
		// zero-filled hole behind.
		created, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
		if err == nil {
			file = created
			break
		}
		if !os.IsExist(err) {
			return &IOError{Op: "create audit file", Path: path, Err: err}
		}
		path = filepath.Join(l.options.Directory,
			base[:len(base)-len(fileSuffix)]+"-"+strconv.Itoa(attempt)+fileSuffix)
	}

	features := []string{AlgorithmGCM, AlgorithmCBC, "hmac-sha256"}
	if l.options.Compression.Enabled {
		features = append(features, string(l.options.Compression.Algorithm))
	}
	hostname, _ := os.Hostname()
	header, err := json.Marshal(FileHeader{
		Version:  fileVersion,
		Created:  now.UTC(),
		PID:      pid,
		Hostname: hostname,
		Codec:    l.options.Codec,
		Features: features,
	})
	if err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("serializing audit file header: %w", err)
	}
	header = append(header, '\n')
	if _, err := file.Write(header); err != nil {
		file.Close()
		os.Remove(path)
		return &IOError{Op: "write audit file header", Path: path, Err: err}
	}

	l.file = file
	l.currentSize = int64(len(header))
	l.files = append(l.files, path)
	l.prune()

	l.addStat(func(s *Stats) { s.CurrentFile = path })
	return nil
}

// prune deletes the oldest files until at most MaxFiles remain.
// Deletion failures are logged and the entry is dropped from the list
// either way so one stuck file cannot grow the list without bound.
func (l *Logger) prune() {
	for len(l.files) > l.options.MaxFiles {
		oldest := l.files[0]
		l.files = l.files[1:]
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
			l.logger.Error("pruning old audit file failed", "file", oldest, "error", err)
		}
	}
}

// closeFile syncs and closes the current file. Errors are logged,
// never propagated: teardown must not fail.
func (l *Logger) closeFile() {
	l.syncAndClose(l.file)
	l.file = nil
}

func (l *Logger) syncAndClose(file *os.File) {
	if file == nil {
		return
	}
	if err := file.Sync(); err != nil {
		l.logger.Error("syncing audit file failed", "file", file.Name(), "error", err)
	}
	if err := file.Close(); err != nil {
		l.logger.Error("closing audit file failed", "file", file.Name(), "error", err)
	}
}

// Close stops intake, waits for the writer to drain every queued
// record, and closes the current file. After Close returns, every Log
// call that had been accepted is on disk. Idempotent.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	close(l.submissions)
	<-l.writerDone
	l.ticker.Stop()
	secret.Zero(l.integrityKey)
	return nil
}

// Stats returns a snapshot of logger activity.
func (l *Logger) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

func (l *Logger) addStat(update func(*Stats)) {
	l.statsMu.Lock()
	update(&l.stats)
	l.statsMu.Unlock()
}
