package recorder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nthree/aozorastation/internal/config"
	"github.com/nthree/aozorastation/internal/journal"
	"github.com/nthree/aozorastation/internal/library"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkEvent struct {
	kind       string
	status     string
	target     string
	documentID string
	message    string
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (f *fakeSink) Status(runID, status, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{kind: "status", status: status, target: target})
}

func (f *fakeSink) Info(runID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{kind: "info", message: message})
}

func (f *fakeSink) Error(runID, stage, documentID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{kind: "error", documentID: documentID, message: message})
}

func (f *fakeSink) errors() []sinkEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sinkEvent
	for _, e := range f.events {
		if e.kind == "error" {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSink) hasInfo(message string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.kind == "info" && e.message == message {
			return true
		}
	}
	return false
}

type fakeSynth struct {
	healthy  bool
	failText string

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *fakeSynth) Healthy(ctx context.Context) bool { return f.healthy }

func (f *fakeSynth) Synthesize(ctx context.Context, text string, modelID int, destPath string) error {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.failText != "" && strings.Contains(text, f.failText) {
		return os.ErrInvalid
	}
	return os.WriteFile(destPath, []byte("RIFF"), 0o644)
}

func newTestService(t *testing.T, synth *fakeSynth, sink *fakeSink) (*Service, *library.Library) {
	t.Helper()
	log := newLogger()
	lib := library.New(t.TempDir(), ".wav", log)
	if err := lib.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	jrnl, err := journal.Open(context.Background(), config.JournalConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	opts := Options{
		Recorder:  config.Default().Recorder,
		Synthesis: config.Default().Synthesis,
		Encoding:  "utf-8",
		Language:  "english",
	}
	opts.Recorder.Concurrency = 2
	svc := NewService(context.Background(), opts, nil, lib, synth, jrnl, sink, log)
	t.Cleanup(svc.Close)
	return svc, lib
}

func writeSource(t *testing.T, lib *library.Library, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(lib.SourceDir(), name), []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
}

func listPartial(t *testing.T, lib *library.Library, id string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(lib.PartialDir(), id))
	if err != nil {
		t.Fatalf("read partial dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRunBatchStagesSegments(t *testing.T) {
	synth := &fakeSynth{healthy: true}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)

	long := strings.Repeat("あ", 300) + "。" + strings.Repeat("い", 300) + "。"
	writeSource(t, lib, "21331_ginga.txt", "一行目\r\n二行目\r\n"+long)

	if err := svc.RunBatch(context.Background(), 0); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	got := listPartial(t, lib, "21331")
	want := []string{
		"21331-0000.wav",
		"21331-0001.wav",
		"21331-0002-0000.wav",
		"21331-0002-0001.wav",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("file %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if !sink.hasInfo("Finished.") {
		t.Fatal("expected completion notice")
	}
}

func TestRunBatchAbortsWhenServiceUnreachable(t *testing.T) {
	synth := &fakeSynth{healthy: false}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)
	writeSource(t, lib, "21331_ginga.txt", "一行目")

	if err := svc.RunBatch(context.Background(), 0); err == nil {
		t.Fatal("expected batch to abort")
	}
	if synth.calls.Load() != 0 {
		t.Fatalf("expected no synthesis calls, got %d", synth.calls.Load())
	}
	errs := sink.errors()
	if len(errs) != 1 || errs[0].message != "communication error" {
		t.Fatalf("expected communication error notice, got %v", errs)
	}
}

func TestRunBatchAbortsOnEmptySource(t *testing.T) {
	synth := &fakeSynth{healthy: true}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)

	// Staged files from a previous run must survive the aborted batch.
	if _, err := lib.EnsureDocumentDir("99999"); err != nil {
		t.Fatalf("ensure document dir: %v", err)
	}
	stale := lib.PartialFilePath("99999", "99999-0000.wav")
	if err := os.WriteFile(stale, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write stale partial: %v", err)
	}

	if err := svc.RunBatch(context.Background(), 0); err == nil {
		t.Fatal("expected batch to abort")
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("stale partial should be untouched: %v", err)
	}
	errs := sink.errors()
	if len(errs) != 1 || errs[0].message != "file/source directory is empty" {
		t.Fatalf("expected empty-source notice, got %v", errs)
	}
}

func TestRunBatchClearsPreviousPartials(t *testing.T) {
	synth := &fakeSynth{healthy: true}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)
	writeSource(t, lib, "21331_ginga.txt", "一行目")

	if _, err := lib.EnsureDocumentDir("99999"); err != nil {
		t.Fatalf("ensure document dir: %v", err)
	}
	stale := lib.PartialFilePath("99999", "99999-0000.wav")
	if err := os.WriteFile(stale, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write stale partial: %v", err)
	}

	if err := svc.RunBatch(context.Background(), 0); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale partial to be cleared")
	}
}

func TestRunBatchIsolatesSegmentFailures(t *testing.T) {
	synth := &fakeSynth{healthy: true, failText: "二行目"}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)
	writeSource(t, lib, "21331_ginga.txt", "一行目\r\n二行目\r\n三行目")

	if err := svc.RunBatch(context.Background(), 0); err != nil {
		t.Fatalf("batch should complete despite segment failure: %v", err)
	}

	got := listPartial(t, lib, "21331")
	want := []string{"21331-0000.wav", "21331-0002.wav"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !sink.hasInfo("Finished.") {
		t.Fatal("expected completion notice despite failures")
	}
}

func TestRunBatchRejectsOversizedDocument(t *testing.T) {
	synth := &fakeSynth{healthy: true}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)
	svc.cfg.MaxDocumentRunes = 10

	writeSource(t, lib, "11111_long.txt", strings.Repeat("あ", 11))
	writeSource(t, lib, "22222_ok.txt", "短い")

	if err := svc.RunBatch(context.Background(), 0); err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if _, err := os.Stat(filepath.Join(lib.PartialDir(), "11111")); !os.IsNotExist(err) {
		t.Fatal("rejected document must not be staged")
	}
	got := listPartial(t, lib, "22222")
	if len(got) != 1 || got[0] != "22222-0000.wav" {
		t.Fatalf("sibling document should still be staged, got %v", got)
	}
	errs := sink.errors()
	if len(errs) != 1 || errs[0].documentID != "11111" {
		t.Fatalf("expected rejection notice for 11111, got %v", errs)
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	synth := &fakeSynth{healthy: true}
	sink := &fakeSink{}
	svc, lib := newTestService(t, synth, sink)

	lines := make([]string, 40)
	for i := range lines {
		lines[i] = "行"
	}
	writeSource(t, lib, "21331_ginga.txt", strings.Join(lines, "\r\n"))

	if err := svc.RunBatch(context.Background(), 0); err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if max := synth.maxInFlight.Load(); max > 2 {
		t.Fatalf("expected at most 2 concurrent synthesis calls, observed %d", max)
	}
}
