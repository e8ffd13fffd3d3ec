// Package log writes append-only JSONL side logs compressed with zstd, one file per UTC hour.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Write appends v as one JSON line. Each call flushes the buffered writer but the zstd
// frame is only finished on rotation or Close.
func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour || w.w == nil {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ChatEntry is one chat line as broadcast in a session.
type ChatEntry struct {
	TimeMs        int64  `json:"time_ms"`
	MapID         int    `json:"map_id"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name,omitempty"`
	Text          string `json:"text"`
}

// ChatLogger writes chat JSONL entries (compressed).
type ChatLogger struct{ w *JSONLZstdWriter }

func NewChatLogger(dataDir string) *ChatLogger {
	return &ChatLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "chat"), "chat")}
}

func (l *ChatLogger) WriteChat(v ChatEntry) error { return l.w.Write(v) }
func (l *ChatLogger) Close() error                { return l.w.Close() }

// FlushEntry records one flush transaction's outcome. Consumed is only set for house flushes.
type FlushEntry struct {
	TimeMs       int64          `json:"time_ms"`
	MapID        int            `json:"map_id"`
	Kind         string         `json:"kind"`
	Units        int            `json:"units"`
	Applied      int            `json:"applied"`
	Consumed     int            `json:"consumed,omitempty"`
	Contributors map[string]int `json:"contributors,omitempty"`
	Completed    []string       `json:"completed,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	Error        string         `json:"error,omitempty"`
}

// AuditLogger writes flush audit JSONL entries (compressed).
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "flush")}
}

func (l *AuditLogger) WriteFlush(v FlushEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                  { return l.w.Close() }
