package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Artifact is one merged output file.
type Artifact struct {
	Path      string
	Chunk     int
	Transcode string
}

// Engine runs the per-document merge pipeline: filter empty fragments,
// partition into size-bounded chunks, concatenate each chunk, optionally
// transcode the result.
type Engine struct {
	tool           Tool
	outputDir      string
	audioExt       string
	chunkThreshold int
	chunkSize      int
	transcode      bool
	log            *slog.Logger
}

type EngineOptions struct {
	OutputDir      string
	AudioExt       string
	ChunkThreshold int
	ChunkSize      int
	Transcode      bool
}

func NewEngine(tool Tool, opts EngineOptions, log *slog.Logger) *Engine {
	return &Engine{
		tool:           tool,
		outputDir:      opts.OutputDir,
		audioExt:       opts.AudioExt,
		chunkThreshold: opts.ChunkThreshold,
		chunkSize:      opts.ChunkSize,
		transcode:      opts.Transcode,
		log:            log.With(slog.String("component", "merge-engine")),
	}
}

// FilterNonEmpty drops absent and zero-byte files, preserving order. The
// external tool must never see an invalid input.
func FilterNonEmpty(paths []string) []string {
	var valid []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		valid = append(valid, path)
	}
	return valid
}

// ChunkFiles partitions an ordered file list. Below the threshold the whole
// list is a single chunk; at or above it the list is cut into chunks of at
// most size files.
func ChunkFiles(paths []string, threshold, size int) [][]string {
	if len(paths) == 0 {
		return nil
	}
	if len(paths) < threshold {
		return [][]string{paths}
	}
	var chunks [][]string
	for start := 0; start < len(paths); start += size {
		end := start + size
		if end > len(paths) {
			end = len(paths)
		}
		chunks = append(chunks, paths[start:end])
	}
	return chunks
}

// MergeDocument consolidates one document's ordered fragment list. Chunk
// failures are collected, not fatal: remaining chunks still run, and the
// caller decides how to surface the errors.
func (e *Engine) MergeDocument(ctx context.Context, docID string, files []string) ([]Artifact, []error) {
	valid := FilterNonEmpty(files)
	if len(valid) == 0 {
		return nil, []error{fmt.Errorf("document %s has no valid audio fragments", docID)}
	}

	chunks := ChunkFiles(valid, e.chunkThreshold, e.chunkSize)
	multi := len(chunks) > 1
	e.log.Info("merging document",
		slog.String("document", docID),
		slog.Int("fragments", len(valid)),
		slog.Int("chunks", len(chunks)))

	var artifacts []Artifact
	var errs []error
	for i, chunk := range chunks {
		name := docID
		if multi {
			name = fmt.Sprintf("%s-%d", docID, i)
		}
		outPath := filepath.Join(e.outputDir, name+e.audioExt)
		if err := e.tool.Concat(ctx, chunk, outPath); err != nil {
			errs = append(errs, fmt.Errorf("concat chunk %d of %s: %w", i, docID, err))
			continue
		}
		artifact := Artifact{Path: outPath, Chunk: i}

		if e.transcode {
			finalPath := strings.TrimSuffix(outPath, e.audioExt) + ".m4a"
			if err := e.tool.Transcode(ctx, outPath, finalPath); err != nil {
				errs = append(errs, fmt.Errorf("transcode chunk %d of %s: %w", i, docID, err))
				artifacts = append(artifacts, artifact)
				continue
			}
			artifact.Transcode = finalPath
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, errs
}
