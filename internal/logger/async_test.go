package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler captures records for assertions. An optional delay
// simulates a slow sink.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
}

func (r *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (r *recordingHandler) Handle(_ context.Context, rec slog.Record) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *recordingHandler) WithGroup(string) slog.Handler      { return r }

func (r *recordingHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func TestAsyncHandlerBasicWrite(t *testing.T) {
	rec := &recordingHandler{}
	h := NewAsyncHandler(rec, 16, 1)

	log := slog.New(h)
	log.Info("one")
	log.Info("two")
	h.Close()

	if got := rec.count(); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
}

func TestAsyncHandlerConcurrentWrites(t *testing.T) {
	rec := &recordingHandler{}
	h := NewAsyncHandler(rec, 1024, 4)
	log := slog.New(h)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := range 50 {
				log.Info(fmt.Sprintf("msg-%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()
	h.Close()

	if got := rec.count(); got != 500 {
		t.Fatalf("expected 500 records, got %d", got)
	}
}

func TestAsyncHandlerChannelFullDrops(t *testing.T) {
	rec := &recordingHandler{delay: 50 * time.Millisecond}
	h := NewAsyncHandler(rec, 1, 1)
	log := slog.New(h)

	for range 20 {
		log.Info("flood")
	}
	h.Close()

	if h.DroppedCount() == 0 {
		t.Fatal("expected some records to be dropped")
	}
	if got := rec.count(); got == 0 {
		t.Fatal("expected at least one record delivered")
	}
}

func TestAsyncHandlerCloseReportsDrops(t *testing.T) {
	rec := &recordingHandler{delay: 50 * time.Millisecond}
	h := NewAsyncHandler(rec, 1, 1)
	log := slog.New(h)

	for range 20 {
		log.Info("flood")
	}
	h.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.records) == 0 {
		t.Fatal("expected delivered records")
	}
	last := rec.records[len(rec.records)-1]
	if last.Message != "log records dropped under load" {
		t.Fatalf("expected drop summary as final record, got %q", last.Message)
	}
	if last.Level != slog.LevelWarn {
		t.Fatalf("expected warn level summary, got %v", last.Level)
	}
}

func TestAsyncHandlerCloseFlushesRemaining(t *testing.T) {
	rec := &recordingHandler{delay: time.Millisecond}
	h := NewAsyncHandler(rec, 64, 1)
	log := slog.New(h)

	for range 10 {
		log.Info("pending")
	}
	h.Close()

	if got := rec.count(); got != 10 {
		t.Fatalf("expected all 10 records flushed on close, got %d", got)
	}
}

func TestAsyncHandlerWithAttrsSharesQueue(t *testing.T) {
	rec := &recordingHandler{}
	h := NewAsyncHandler(rec, 16, 1)

	child := h.WithAttrs([]slog.Attr{slog.String("tier", "l1")})
	slog.New(child).Info("tagged")
	h.Close()

	if got := rec.count(); got != 1 {
		t.Fatalf("expected 1 record via child handler, got %d", got)
	}
}
