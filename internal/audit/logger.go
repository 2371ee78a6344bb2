package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures a Logger.
type Config struct {
	// Path is the append-only log file; "" or "-" writes to stdout.
	Path string
	// BufferSize bounds the async write channel; default 1000.
	BufferSize int
	// TailSize bounds how many recent records Tail can return; default 500.
	TailSize int
}

// Logger is an async, buffered, append-only JSON-lines audit writer. It
// also keeps the most recent records in memory for the audit tail
// endpoint, so the HTTP surface never has to re-read the log file.
type Logger struct {
	out    io.WriteCloser
	buffer chan *Record
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	tail     []Record
	tailSize int
}

// NewLogger opens cfg.Path (creating it if needed) and starts the async
// write loop.
func NewLogger(cfg Config) (*Logger, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.TailSize <= 0 {
		cfg.TailSize = 500
	}

	var out io.WriteCloser
	switch cfg.Path {
	case "", "-":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		out = f
	}

	l := &Logger{
		out:      out,
		buffer:   make(chan *Record, cfg.BufferSize),
		done:     make(chan struct{}),
		tailSize: cfg.TailSize,
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Close drains pending records and closes the underlying file.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	if l.out == os.Stdout || l.out == os.Stderr {
		return nil
	}
	return l.out.Close()
}

// Log appends rec, assigning an id and timestamp if unset. Writes are
// non-blocking: a full buffer falls back to a direct synchronous write
// rather than dropping the record, since audit entries must never be
// silently lost.
func (l *Logger) Log(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	l.appendTail(rec)

	select {
	case l.buffer <- &rec:
	default:
		l.write(&rec)
	}
}

// Tail returns a snapshot of up to n of the most recent records.
func (l *Logger) Tail(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.tail) {
		n = len(l.tail)
	}
	out := make([]Record, n)
	copy(out, l.tail[len(l.tail)-n:])
	return out
}

func (l *Logger) appendTail(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail = append(l.tail, rec)
	if len(l.tail) > l.tailSize {
		l.tail = l.tail[len(l.tail)-l.tailSize:]
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.buffer:
			l.write(rec)
		case <-l.done:
			for {
				select {
				case rec := <-l.buffer:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(rec *Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		return
	}
	body = append(body, '\n')
	_, _ = l.out.Write(body)
}
