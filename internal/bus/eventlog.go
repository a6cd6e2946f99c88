package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reflex/internal/logging"
)

// EventLogConfig bounds the durable log so disk growth stays finite.
type EventLogConfig struct {
	Path        string        // Active segment path, e.g. ".reflex/events/events.jsonl"
	MaxSize     int64         // Rotate when the active segment exceeds this many bytes
	MaxAge      time.Duration // Rotate when the active segment is older than this
	WriteBuffer int           // Depth of the async write channel
}

// DefaultEventLogConfig returns sensible defaults.
func DefaultEventLogConfig(path string) EventLogConfig {
	return EventLogConfig{
		Path:        path,
		MaxSize:     32 * 1024 * 1024,
		MaxAge:      7 * 24 * time.Hour,
		WriteBuffer: 1024,
	}
}

// EventLog is an append-only JSONL record of every published event, written
// by a single goroutine so publishers never block on I/O. Rotation renames
// the active segment with a timestamp suffix; rotated segments are kept for
// replay and archived, never deleted by the log itself.
type EventLog struct {
	config EventLogConfig

	writeCh chan Event
	done    chan struct{}
	stopped atomic.Bool

	// closeMu serializes Append's send against Close's channel close so a
	// publisher racing shutdown can never send on a closed channel.
	closeMu sync.RWMutex

	mu         sync.Mutex // guards file state, writer goroutine only after start
	file       *os.File
	writer     *bufio.Writer
	size       int64
	openedAt   time.Time
	dropped    atomic.Uint64
	appended   atomic.Uint64
}

// OpenEventLog opens (or creates) the log and starts the writer goroutine.
func OpenEventLog(cfg EventLogConfig) (*EventLog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventlog: empty path")
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 1024
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 32 * 1024 * 1024
	}

	l := &EventLog{
		config:  cfg,
		writeCh: make(chan Event, cfg.WriteBuffer),
		done:    make(chan struct{}),
	}
	if err := l.open(); err != nil {
		return nil, err
	}

	go l.run()
	return l, nil
}

func (l *EventLog) open() error {
	if err := os.MkdirAll(filepath.Dir(l.config.Path), 0755); err != nil {
		return fmt.Errorf("eventlog: create dir: %w", err)
	}
	f, err := os.OpenFile(l.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("eventlog: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("eventlog: stat: %w", err)
	}

	l.file = f
	l.writer = bufio.NewWriter(f)
	l.size = info.Size()
	l.openedAt = time.Now()
	return nil
}

// Append enqueues an event for the writer goroutine. Fire and forget: a full
// buffer drops the record and bumps a counter rather than blocking publish.
// Safe to call concurrently with Close; records racing shutdown are dropped.
func (l *EventLog) Append(e Event) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.stopped.Load() {
		return
	}
	select {
	case l.writeCh <- e:
	default:
		l.dropped.Add(1)
	}
}

func (l *EventLog) run() {
	defer close(l.done)

	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case e, ok := <-l.writeCh:
			if !ok {
				l.mu.Lock()
				l.writer.Flush()
				l.file.Close()
				l.mu.Unlock()
				return
			}
			l.write(e)
		case <-flush.C:
			l.mu.Lock()
			if err := l.writer.Flush(); err != nil {
				logging.BusWarn("Event log flush failed: %v", err)
			}
			l.mu.Unlock()
		}
	}
}

func (l *EventLog) write(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.BusWarn("Event log marshal failed for %s: %v", e.ID, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.needsRotation(int64(len(data)) + 1) {
		if err := l.rotate(); err != nil {
			logging.BusWarn("Event log rotation failed: %v", err)
		}
	}

	n, err := l.writer.Write(append(data, '\n'))
	if err != nil {
		logging.BusWarn("Event log write failed: %v", err)
		return
	}
	l.size += int64(n)
	l.appended.Add(1)
}

func (l *EventLog) needsRotation(incoming int64) bool {
	if l.size+incoming > l.config.MaxSize {
		return true
	}
	if l.config.MaxAge > 0 && time.Since(l.openedAt) > l.config.MaxAge && l.size > 0 {
		return true
	}
	return false
}

// rotate renames the active segment with a timestamp suffix and reopens.
// Caller holds mu.
func (l *EventLog) rotate() error {
	l.writer.Flush()
	l.file.Close()

	rotated := fmt.Sprintf("%s.%s", l.config.Path, time.Now().Format("20060102T150405.000"))
	if err := os.Rename(l.config.Path, rotated); err != nil {
		// Reopen the original regardless so writes keep flowing.
		reopenErr := l.open()
		if reopenErr != nil {
			return fmt.Errorf("rename failed (%v) and reopen failed: %w", err, reopenErr)
		}
		return fmt.Errorf("rename: %w", err)
	}
	logging.Bus("Event log rotated to %s (%d bytes)", filepath.Base(rotated), l.size)
	return l.open()
}

// Close stops the writer and flushes pending records. The write lock waits
// out any Append mid-send before the channel closes.
func (l *EventLog) Close() {
	l.closeMu.Lock()
	already := l.stopped.Swap(true)
	l.closeMu.Unlock()
	if already {
		return
	}
	close(l.writeCh)
	<-l.done
}

// Dropped returns how many records were discarded due to backpressure.
func (l *EventLog) Dropped() uint64 { return l.dropped.Load() }

// Appended returns how many records were durably enqueued to disk.
func (l *EventLog) Appended() uint64 { return l.appended.Load() }

// Replay reads all segments (rotated first, in rotation order, then the
// active one) and invokes fn for each event in original publish order.
// Subscriber state is reconstructed by re-publishing through fn.
func Replay(path string, fn func(Event) error) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog replay: %w", err)
	}

	var rotated []string
	for _, entry := range entries {
		name := entry.Name()
		if name != base && strings.HasPrefix(name, base+".") {
			rotated = append(rotated, filepath.Join(dir, name))
		}
	}
	// Timestamp suffixes sort lexically in rotation order.
	sort.Strings(rotated)

	for _, segment := range append(rotated, path) {
		if err := replaySegment(segment, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventlog replay %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logging.BusWarn("Replay: skipping malformed record %s:%d: %v", filepath.Base(path), line, err)
			continue
		}
		if err := fn(e); err != nil {
			return fmt.Errorf("eventlog replay %s:%d: %w", path, line, err)
		}
	}
	return scanner.Err()
}
