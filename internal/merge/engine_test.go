package merge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTool records invocations and optionally fails selected concat calls.
type fakeTool struct {
	concats     [][]string
	outputs     []string
	transcodes  []string
	failConcats map[int]bool
}

func (f *fakeTool) Concat(_ context.Context, inputs []string, output string) error {
	call := len(f.concats)
	f.concats = append(f.concats, append([]string{}, inputs...))
	f.outputs = append(f.outputs, output)
	if f.failConcats[call] {
		return fmt.Errorf("exit status 1")
	}
	return nil
}

func (f *fakeTool) Transcode(_ context.Context, input, output string) error {
	f.transcodes = append(f.transcodes, output)
	_ = input
	return nil
}

func writeFiles(t *testing.T, dir string, sizes map[string]int) []string {
	t.Helper()
	var names []string
	for name := range sizes {
		names = append(names, name)
	}
	// deterministic creation order is irrelevant; the caller sorts
	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, sizes[name]), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		paths = append(paths, path)
	}
	return paths
}

func TestFilterNonEmptyExcludesZeroByteAndMissing(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "00001-0000.wav")
	b := filepath.Join(dir, "00001-0001.wav")
	c := filepath.Join(dir, "00001-0002.wav")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "00001-0003.wav")

	valid := FilterNonEmpty([]string{a, b, c, missing})
	if len(valid) != 2 || valid[0] != a || valid[1] != c {
		t.Fatalf("unexpected filter result: %v", valid)
	}
}

func TestChunkFilesBelowThresholdSingleChunk(t *testing.T) {
	paths := make([]string, 999)
	for i := range paths {
		paths[i] = fmt.Sprintf("f%04d.wav", i)
	}
	chunks := ChunkFiles(paths, 1000, 500)
	if len(chunks) != 1 || len(chunks[0]) != 999 {
		t.Fatalf("expected single chunk of 999, got %d chunks", len(chunks))
	}
}

func TestChunkFilesAtThreshold(t *testing.T) {
	cases := []struct {
		n     int
		want  []int
	}{
		{1000, []int{500, 500}},
		{1500, []int{500, 500, 500}},
		{1250, []int{500, 500, 250}},
	}
	for _, tc := range cases {
		paths := make([]string, tc.n)
		chunks := ChunkFiles(paths, 1000, 500)
		if len(chunks) != len(tc.want) {
			t.Fatalf("n=%d: expected %d chunks, got %d", tc.n, len(tc.want), len(chunks))
		}
		total := 0
		for i, chunk := range chunks {
			if len(chunk) != tc.want[i] {
				t.Fatalf("n=%d chunk %d: expected %d files, got %d", tc.n, i, tc.want[i], len(chunk))
			}
			total += len(chunk)
		}
		if total != tc.n {
			t.Fatalf("n=%d: chunk sizes sum to %d", tc.n, total)
		}
	}
}

func TestMergeDocumentSingleChunk(t *testing.T) {
	dir := t.TempDir()
	paths := writeFiles(t, dir, map[string]int{"00001-0000.wav": 4})
	out := t.TempDir()
	tool := &fakeTool{}
	engine := NewEngine(tool, EngineOptions{
		OutputDir: out, AudioExt: ".wav", ChunkThreshold: 1000, ChunkSize: 500, Transcode: true,
	}, newLogger())

	artifacts, errs := engine.MergeDocument(context.Background(), "00001", paths)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(artifacts))
	}
	if artifacts[0].Path != filepath.Join(out, "00001.wav") {
		t.Fatalf("single chunk must not carry a chunk suffix: %s", artifacts[0].Path)
	}
	if artifacts[0].Transcode != filepath.Join(out, "00001.m4a") {
		t.Fatalf("unexpected transcode path: %s", artifacts[0].Transcode)
	}
	if len(tool.transcodes) != 1 {
		t.Fatalf("expected one transcode call, got %d", len(tool.transcodes))
	}
}

func TestMergeDocumentChunked(t *testing.T) {
	dir := t.TempDir()
	sizes := map[string]int{}
	for i := 0; i < 1500; i++ {
		sizes[fmt.Sprintf("00002-%04d.wav", i)] = 1
	}
	var paths []string
	for i := 0; i < 1500; i++ {
		paths = append(paths, filepath.Join(dir, fmt.Sprintf("00002-%04d.wav", i)))
	}
	for _, p := range paths {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out := t.TempDir()
	tool := &fakeTool{}
	engine := NewEngine(tool, EngineOptions{
		OutputDir: out, AudioExt: ".wav", ChunkThreshold: 1000, ChunkSize: 500, Transcode: false,
	}, newLogger())

	artifacts, errs := engine.MergeDocument(context.Background(), "00002", paths)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(artifacts) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(artifacts))
	}
	for i, artifact := range artifacts {
		want := filepath.Join(out, fmt.Sprintf("00002-%d.wav", i))
		if artifact.Path != want {
			t.Fatalf("artifact %d: expected %s, got %s", i, want, artifact.Path)
		}
	}
	for i, call := range tool.concats {
		if len(call) != 500 {
			t.Fatalf("chunk %d: expected 500 inputs, got %d", i, len(call))
		}
	}
	// Chunks must be processed in order.
	if tool.concats[0][0] != paths[0] || tool.concats[2][499] != paths[1499] {
		t.Fatal("chunk ordering broken")
	}
}

func TestMergeDocumentExcludesZeroByteFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "00003-0000.wav")
	empty := filepath.Join(dir, "00003-0001.wav")
	good2 := filepath.Join(dir, "00003-0002.wav")
	if err := os.WriteFile(good, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good2, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &fakeTool{}
	engine := NewEngine(tool, EngineOptions{
		OutputDir: t.TempDir(), AudioExt: ".wav", ChunkThreshold: 1000, ChunkSize: 500,
	}, newLogger())

	if _, errs := engine.MergeDocument(context.Background(), "00003", []string{good, empty, good2}); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(tool.concats) != 1 {
		t.Fatalf("expected one concat, got %d", len(tool.concats))
	}
	call := tool.concats[0]
	if len(call) != 2 || call[0] != good || call[1] != good2 {
		t.Fatalf("zero-byte file must be excluded, order preserved: %v", call)
	}
}

func TestMergeDocumentNoValidFragments(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "00004-0000.wav")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tool := &fakeTool{}
	engine := NewEngine(tool, EngineOptions{
		OutputDir: t.TempDir(), AudioExt: ".wav", ChunkThreshold: 1000, ChunkSize: 500,
	}, newLogger())

	artifacts, errs := engine.MergeDocument(context.Background(), "00004", []string{empty})
	if len(artifacts) != 0 || len(errs) != 1 {
		t.Fatalf("expected single error for empty document, got %v %v", artifacts, errs)
	}
	if len(tool.concats) != 0 {
		t.Fatal("tool must not be invoked without valid input")
	}
}

func TestMergeDocumentChunkFailureDoesNotAbortSiblings(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 1000; i++ {
		p := filepath.Join(dir, fmt.Sprintf("00005-%04d.wav", i))
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	tool := &fakeTool{failConcats: map[int]bool{0: true}}
	engine := NewEngine(tool, EngineOptions{
		OutputDir: t.TempDir(), AudioExt: ".wav", ChunkThreshold: 1000, ChunkSize: 500,
	}, newLogger())

	artifacts, errs := engine.MergeDocument(context.Background(), "00005", paths)
	if len(errs) != 1 {
		t.Fatalf("expected one chunk error, got %v", errs)
	}
	if !strings.Contains(errs[0].Error(), "chunk 0") {
		t.Fatalf("error must name the failing chunk: %v", errs[0])
	}
	if len(artifacts) != 1 {
		t.Fatalf("second chunk must still produce an artifact: %v", artifacts)
	}
	if len(tool.concats) != 2 {
		t.Fatalf("both chunks must be attempted, got %d", len(tool.concats))
	}
}
