// Package merger runs the merge pass: snapshot the staged audio, then
// consolidate each document's ordered fragments into chunked output files.
package merger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nthree/aozorastation/internal/bus"
	"github.com/nthree/aozorastation/internal/config"
	"github.com/nthree/aozorastation/internal/journal"
	"github.com/nthree/aozorastation/internal/library"
	"github.com/nthree/aozorastation/internal/locale"
	"github.com/nthree/aozorastation/internal/merge"
	"github.com/nthree/aozorastation/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const stageMerge = "merge"

// Sink receives progress and notification events.
type Sink interface {
	Status(runID, status, target string)
	Info(runID, message string)
	Error(runID, stage, documentID, message string)
}

// Merger is the per-document merge contract; *merge.Engine is the
// production implementation.
type Merger interface {
	MergeDocument(ctx context.Context, docID string, files []string) ([]merge.Artifact, []error)
}

// Service subscribes to merge commands and drives merge batches.
type Service struct {
	cfg     config.MergerConfig
	bus     *bus.Client
	lib     *library.Library
	engine  Merger
	journal *journal.Journal
	sink    Sink
	msgs    locale.Messages
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	sema   chan struct{}
	runMu  sync.Mutex

	tracer        trace.Tracer
	documentsDone metric.Int64Counter
	documentsFail metric.Int64Counter
	chunksMerged  metric.Int64Counter
}

func NewService(parent context.Context, cfg config.MergerConfig, language string, busClient *bus.Client, lib *library.Library, engine Merger, jrnl *journal.Journal, sink Sink, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		lib:     lib,
		engine:  engine,
		journal: jrnl,
		sink:    sink,
		msgs:    locale.For(language),
		log:     logger.With(slog.String("component", "merger")),
		ctx:     ctx,
		cancel:  cancel,
		sema:    make(chan struct{}, concurrency),
		tracer:  otel.Tracer("github.com/nthree/aozorastation/merger"),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/nthree/aozorastation/merger")
	var err error
	if s.documentsDone, err = meter.Int64Counter("aozora_documents_merged_total"); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.documentsFail, err = meter.Int64Counter("aozora_documents_merge_failed_total"); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.chunksMerged, err = meter.Int64Counter("aozora_chunks_merged_total"); err != nil {
		s.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
}

// Start subscribes to the merge command subject.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectMergeCommand, s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe merge commands: %w", err)
	}
	s.sub = sub
	return nil
}

// Close drains the subscription and waits for in-flight batches.
func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || s.sub != nil }

func (s *Service) handleCommand(msg *nats.Msg) {
	var req protocol.MergeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode merge request", slog.String("error", err.Error()))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunBatch(s.ctx); err != nil {
			s.log.Error("merge batch aborted", slog.String("error", err.Error()))
		}
	}()
}

// RunBatch executes one merge pass. The returned error is a batch-level
// precondition failure; per-document failures are collected and journaled
// without aborting the batch.
func (s *Service) RunBatch(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "merge.batch",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	log := s.log.With(slog.String("run_id", runID))
	log.Info("merge batch started")

	if err := s.journal.BeginRun(ctx, runID, journal.KindMerge); err != nil {
		log.Warn("failed to journal run start", slog.String("error", err.Error()))
	}

	// Empty staging area aborts before the backup snapshot so an accidental
	// merge never overwrites a useful backup with nothing.
	docs, err := s.lib.ListDocumentDirs()
	if err != nil {
		s.sink.Error(runID, stageMerge, "", err.Error())
		return err
	}
	if len(docs) == 0 {
		s.sink.Error(runID, stageMerge, "", s.msgs.PartialEmpty)
		return fmt.Errorf("partial directory is empty")
	}

	// The snapshot is best-effort: staged audio is expensive to reproduce,
	// but a failed copy must not block the merge itself.
	if err := s.lib.Snapshot(); err != nil {
		log.Error("backup snapshot failed", slog.String("error", err.Error()))
		s.sink.Error(runID, stageMerge, "", err.Error())
	}

	s.sink.Status(runID, s.msgs.Merging, fmt.Sprintf("%d%s", len(docs), s.msgs.ItemUnit))

	var wg sync.WaitGroup
	for _, docID := range docs {
		docID := docID
		wg.Add(1)
		s.sema <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.sema }()
			s.mergeDocument(ctx, log, runID, docID)
		}()
	}
	wg.Wait()

	s.sink.Status(runID, s.msgs.Finished, "")
	s.sink.Info(runID, s.msgs.Finished)
	log.Info("merge batch completed", slog.Int("documents", len(docs)))
	return nil
}

// mergeDocument consolidates one staged document. Chunks within the document
// run sequentially inside the engine; failures are surfaced per chunk and
// never abort sibling documents.
func (s *Service) mergeDocument(ctx context.Context, log *slog.Logger, runID, docID string) {
	files, err := s.lib.ListAudioFiles(docID)
	if err != nil {
		s.failDocument(ctx, runID, docID, err)
		return
	}

	artifacts, errs := s.engine.MergeDocument(ctx, docID, files)
	for _, artifact := range artifacts {
		s.addCount(ctx, s.chunksMerged, 1)
		s.appendOutcome(ctx, journal.Outcome{
			RunID: runID, DocumentID: docID, Unit: journal.UnitChunk,
			UnitRef: artifact.Path, Status: journal.StatusOK, Detail: artifact.Transcode,
		})
	}
	for _, mergeErr := range errs {
		s.sink.Error(runID, stageMerge, docID, mergeErr.Error())
		s.appendOutcome(ctx, journal.Outcome{
			RunID: runID, DocumentID: docID, Unit: journal.UnitChunk,
			Status: journal.StatusFailed, Detail: mergeErr.Error(),
		})
	}

	if len(artifacts) == 0 {
		s.addCount(ctx, s.documentsFail, 1)
		s.appendOutcome(ctx, journal.Outcome{
			RunID: runID, DocumentID: docID, Unit: journal.UnitDocument,
			Status: journal.StatusFailed, Detail: "no artifacts produced",
		})
		log.Error("document merge produced no artifacts", slog.String("document", docID))
		return
	}

	s.addCount(ctx, s.documentsDone, 1)
	s.appendOutcome(ctx, journal.Outcome{
		RunID: runID, DocumentID: docID, Unit: journal.UnitDocument,
		Status: journal.StatusOK, Detail: fmt.Sprintf("%d artifacts, %d errors", len(artifacts), len(errs)),
	})
	log.Info("document merged",
		slog.String("document", docID),
		slog.Int("artifacts", len(artifacts)),
		slog.Int("errors", len(errs)))
}

func (s *Service) failDocument(ctx context.Context, runID, docID string, err error) {
	s.sink.Error(runID, stageMerge, docID, err.Error())
	s.appendOutcome(ctx, journal.Outcome{
		RunID: runID, DocumentID: docID, Unit: journal.UnitDocument,
		Status: journal.StatusFailed, Detail: err.Error(),
	})
	s.log.Error("document merge failed", slog.String("document", docID), slog.String("error", err.Error()))
}

func (s *Service) appendOutcome(ctx context.Context, o journal.Outcome) {
	if err := s.journal.AppendOutcome(ctx, o); err != nil {
		s.log.Warn("failed to journal outcome", slog.String("error", err.Error()))
	}
}

func (s *Service) addCount(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}
