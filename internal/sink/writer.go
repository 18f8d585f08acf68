// Package sink persists timestamped records as newline-delimited JSON in
// time-bucketed files, one partition per (stream, date, hour). Writes are
// buffered; a background timer and a line-count threshold flush them, and an
// LRU cap bounds the number of open file handles.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perpfeed/internal/domain"
)

// Config controls buffering and eviction.
type Config struct {
	Dir               string
	FlushInterval     time.Duration
	BufferLines       int // flush a partition once it holds this many lines
	MaxOpenPartitions int
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BufferLines <= 0 {
		c.BufferLines = 200
	}
	if c.MaxOpenPartitions <= 0 {
		c.MaxOpenPartitions = 64
	}
	return c
}

type partitionKey struct {
	stream string
	date   string // YYYY-MM-DD
	hour   int
}

func (k partitionKey) String() string {
	return fmt.Sprintf("%s/%s_%02d", k.date, k.stream, k.hour)
}

type partition struct {
	file     *os.File
	buf      bytes.Buffer
	lines    int
	lastUsed time.Time
}

// Writer is the buffered multiplexed persistence layer.
type Writer struct {
	cfg Config

	mu         sync.Mutex
	partitions map[partitionKey]*partition
	closed     bool

	linesWritten int64
	flushes      int64
	evictions    int64
	reopens      int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer rooted at cfg.Dir and starts the flush loop.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		cfg:        cfg,
		partitions: make(map[partitionKey]*partition),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go w.flushLoop(ctx)
	return w, nil
}

// Write serializes record as one JSON line into the partition derived from
// stream and eventTime (unix millis). The partition's file opens lazily.
func (w *Writer) Write(stream string, eventTime int64, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ts := time.UnixMilli(eventTime).UTC()
	key := partitionKey{
		stream: stream,
		date:   ts.Format("2006-01-02"),
		hour:   ts.Hour(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return domain.ErrWriterClosed
	}

	p, ok := w.partitions[key]
	if !ok {
		p, err = w.openLocked(key)
		if err != nil {
			return err
		}
	}

	p.buf.Write(line)
	p.buf.WriteByte('\n')
	p.lines++
	p.lastUsed = time.Now()
	w.linesWritten++

	if p.lines >= w.cfg.BufferLines {
		if err := w.flushPartitionLocked(key, p); err != nil {
			return err
		}
	}
	return nil
}

// openLocked opens (or reopens) a partition's append handle, evicting the
// least-recently-used partitions first when at the open-handle cap.
func (w *Writer) openLocked(key partitionKey) (*partition, error) {
	for len(w.partitions) >= w.cfg.MaxOpenPartitions {
		if err := w.evictOldestLocked(); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(w.cfg.Dir, key.date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	name := fmt.Sprintf("%s_%02d.jsonl", key.stream, key.hour)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition %s: %w", key, err)
	}

	// A non-empty file means this partition was written before and its handle
	// closed; keeps the reopen counter without tracking evicted keys forever.
	if st, serr := f.Stat(); serr == nil && st.Size() > 0 {
		w.reopens++
	}
	p := &partition{file: f, lastUsed: time.Now()}
	w.partitions[key] = p
	return p, nil
}

func (w *Writer) evictOldestLocked() error {
	var oldestKey partitionKey
	var oldest *partition
	for key, p := range w.partitions {
		if oldest == nil || p.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = key, p
		}
	}
	if oldest == nil {
		return nil
	}
	if err := w.flushPartitionLocked(oldestKey, oldest); err != nil {
		return err
	}
	if err := oldest.file.Close(); err != nil {
		return fmt.Errorf("close partition %s: %w", oldestKey, err)
	}
	delete(w.partitions, oldestKey)
	w.evictions++
	return nil
}

func (w *Writer) flushPartitionLocked(key partitionKey, p *partition) error {
	if p.buf.Len() == 0 {
		return nil
	}
	if _, err := p.file.Write(p.buf.Bytes()); err != nil {
		return fmt.Errorf("flush partition %s: %w", key, err)
	}
	p.buf.Reset()
	p.lines = 0
	w.flushes++
	return nil
}

// Flush writes every partition's buffered lines to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushAllLocked()
}

func (w *Writer) flushAllLocked() error {
	var firstErr error
	for key, p := range w.partitions {
		if err := w.flushPartitionLocked(key, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				slog.Warn("periodic flush failed", slog.Any("error", err))
			}
		}
	}
}

// Close flushes and closes every open partition. The writer rejects writes
// afterwards; no buffered record is lost on a graceful shutdown.
func (w *Writer) Close() error {
	w.cancel()
	<-w.done

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	firstErr := w.flushAllLocked()
	for key, p := range w.partitions {
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close partition %s: %w", key, err)
		}
		delete(w.partitions, key)
	}
	return firstErr
}

// Stats is a point-in-time view of writer counters.
type Stats struct {
	OpenPartitions int
	LinesWritten   int64
	Flushes        int64
	Evictions      int64
	Reopens        int64
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		OpenPartitions: len(w.partitions),
		LinesWritten:   w.linesWritten,
		Flushes:        w.flushes,
		Evictions:      w.evictions,
		Reopens:        w.reopens,
	}
}
