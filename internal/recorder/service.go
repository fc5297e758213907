// Package recorder runs the record pass: segment every source document and
// fan synthesis requests out to the TTS service, staging one audio file per
// segment.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nthree/aozorastation/internal/bus"
	"github.com/nthree/aozorastation/internal/config"
	"github.com/nthree/aozorastation/internal/journal"
	"github.com/nthree/aozorastation/internal/library"
	"github.com/nthree/aozorastation/internal/locale"
	"github.com/nthree/aozorastation/internal/protocol"
	"github.com/nthree/aozorastation/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Batch states.
type State string

const (
	StateNotStarted     State = "not_started"
	StatePrecheckFailed State = "precheck_failed"
	StateSegmenting     State = "segmenting"
	StateSynthesizing   State = "synthesizing"
	StateCompleted      State = "completed"
)

// Sink receives progress and notification events. The bus notifier is the
// production implementation; tests inject a recording fake.
type Sink interface {
	Status(runID, status, target string)
	Info(runID, message string)
	Error(runID, stage, documentID, message string)
}

// Synthesizer is the narrow contract the recorder needs from the synthesis
// client.
type Synthesizer interface {
	Healthy(ctx context.Context) bool
	Synthesize(ctx context.Context, text string, modelID int, destPath string) error
}

const stageRecord = "record"

// Service subscribes to record commands and drives synthesis batches.
type Service struct {
	cfg      config.RecorderConfig
	synthCfg config.SynthesisConfig
	bus      *bus.Client
	lib      *library.Library
	synth    Synthesizer
	journal  *journal.Journal
	sink     Sink
	msgs     locale.Messages
	encoding string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	sema   chan struct{}
	runMu  sync.Mutex

	tracer        trace.Tracer
	segmentsOK    metric.Int64Counter
	segmentsFail  metric.Int64Counter
	documentsDone metric.Int64Counter
}

type Options struct {
	Recorder  config.RecorderConfig
	Synthesis config.SynthesisConfig
	Encoding  string
	Language  string
}

func NewService(parent context.Context, opts Options, busClient *bus.Client, lib *library.Library, synth Synthesizer, jrnl *journal.Journal, sink Sink, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := opts.Recorder.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Service{
		cfg:      opts.Recorder,
		synthCfg: opts.Synthesis,
		bus:      busClient,
		lib:      lib,
		synth:    synth,
		journal:  jrnl,
		sink:     sink,
		msgs:     locale.For(opts.Language),
		encoding: opts.Encoding,
		log:      logger.With(slog.String("component", "recorder")),
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, concurrency),
		tracer:   otel.Tracer("github.com/nthree/aozorastation/recorder"),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/nthree/aozorastation/recorder")
	var err error
	if s.segmentsOK, err = meter.Int64Counter("aozora_segments_synthesized_total"); err != nil {
		s.log.Warn("failed to create counter", slogError(err))
	}
	if s.segmentsFail, err = meter.Int64Counter("aozora_segments_failed_total"); err != nil {
		s.log.Warn("failed to create counter", slogError(err))
	}
	if s.documentsDone, err = meter.Int64Counter("aozora_documents_recorded_total"); err != nil {
		s.log.Warn("failed to create counter", slogError(err))
	}
}

// Start subscribes to the record command subject.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecordCommand, s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe record commands: %w", err)
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
	var req protocol.RecordRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode record request", slogError(err))
		return
	}
	modelID := req.ModelID
	if modelID == 0 {
		modelID = s.synthCfg.ModelID
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunBatch(s.ctx, modelID); err != nil {
			s.log.Error("record batch aborted", slogError(err))
		}
	}()
}

// RunBatch executes one record pass. The returned error is a batch-level
// precondition failure; per-segment failures are collected and journaled
// without aborting the batch.
func (s *Service) RunBatch(ctx context.Context, modelID int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "record.batch",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	state := StateNotStarted
	log := s.log.With(slog.String("run_id", runID))
	log.Info("record batch started", slog.Int("model_id", modelID))

	if err := s.journal.BeginRun(ctx, runID, journal.KindRecord); err != nil {
		log.Warn("failed to journal run start", slogError(err))
	}

	// Fail fast before touching any on-disk state.
	if !s.synth.Healthy(ctx) {
		state = StatePrecheckFailed
		s.sink.Error(runID, stageRecord, "", s.msgs.CommunicationError)
		log.Error("synthesis service unreachable", slog.String("state", string(state)))
		return fmt.Errorf("synthesis service unreachable")
	}

	sources, err := s.lib.ListSources()
	if err != nil {
		state = StatePrecheckFailed
		s.sink.Error(runID, stageRecord, "", err.Error())
		return err
	}
	if len(sources) == 0 {
		state = StatePrecheckFailed
		s.sink.Error(runID, stageRecord, "", s.msgs.SourceEmpty)
		return fmt.Errorf("source directory is empty")
	}

	// The staging area is wiped, never incrementally reused.
	if err := s.lib.ClearPartials(); err != nil {
		state = StatePrecheckFailed
		s.sink.Error(runID, stageRecord, "", err.Error())
		return err
	}

	state = StateSynthesizing
	segmenter := segment.New(s.cfg.MaxSegmentRunes)

	for _, name := range sources {
		s.recordDocument(ctx, log, runID, segmenter, name, modelID)
	}

	state = StateCompleted
	s.sink.Status(runID, s.msgs.Finished, "")
	s.sink.Info(runID, s.msgs.Finished)
	log.Info("record batch completed", slog.String("state", string(state)))
	return nil
}

// recordDocument stages one document: decode, segment, fan out synthesis
// units through the bounded pool, settle all of them, journal the results.
// Unit failures never abort the document or the batch.
func (s *Service) recordDocument(ctx context.Context, log *slog.Logger, runID string, segmenter segment.Segmenter, name string, modelID int) {
	docID := library.DocumentID(name)
	docLog := log.With(slog.String("document", docID))

	raw, err := s.lib.ReadSource(name)
	if err != nil {
		s.failDocument(ctx, runID, docID, name, err)
		return
	}
	text, err := library.Decode(raw, s.encoding)
	if err != nil {
		s.failDocument(ctx, runID, docID, name, err)
		return
	}
	if s.cfg.MaxDocumentRunes > 0 && utf8.RuneCountInString(text) > s.cfg.MaxDocumentRunes {
		s.sink.Error(runID, stageRecord, docID, s.msgs.DocumentTooLarge)
		s.appendOutcome(ctx, journal.Outcome{
			RunID: runID, DocumentID: docID, Unit: journal.UnitDocument, UnitRef: name,
			Status: journal.StatusRejected, Detail: "document exceeds size limit",
		})
		docLog.Warn("document rejected, exceeds size limit")
		return
	}

	segments := segmenter.Split(text)
	s.sink.Status(runID, s.msgs.Recording, fmt.Sprintf("%d%s", len(segments), s.msgs.ItemUnit))
	docLog.Info("document segmented", slog.Int("segments", len(segments)))

	if _, err := s.lib.EnsureDocumentDir(docID); err != nil {
		s.failDocument(ctx, runID, docID, name, err)
		return
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for _, seg := range segments {
		seg := seg
		wg.Add(1)
		s.sema <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.sema }()
			fileName := seg.FileName(docID, s.lib.AudioExt())
			destPath := s.lib.PartialFilePath(docID, fileName)
			if err := s.synth.Synthesize(ctx, seg.Text, modelID, destPath); err != nil {
				docLog.Error("segment synthesis failed", slog.String("file", fileName), slogError(err))
				s.appendOutcome(ctx, journal.Outcome{
					RunID: runID, DocumentID: docID, Unit: journal.UnitSegment, UnitRef: fileName,
					Status: journal.StatusFailed, Detail: err.Error(),
				})
				s.addCount(ctx, s.segmentsFail, 1)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			s.appendOutcome(ctx, journal.Outcome{
				RunID: runID, DocumentID: docID, Unit: journal.UnitSegment, UnitRef: fileName,
				Status: journal.StatusOK,
			})
			s.addCount(ctx, s.segmentsOK, 1)
		}()
	}
	wg.Wait()

	s.addCount(ctx, s.documentsDone, 1)
	s.appendOutcome(ctx, journal.Outcome{
		RunID: runID, DocumentID: docID, Unit: journal.UnitDocument, UnitRef: name,
		Status: journal.StatusOK, Detail: fmt.Sprintf("%d segments, %d failed", len(segments), failed),
	})
	docLog.Info("document recorded", slog.Int("failed_segments", failed))
}

func (s *Service) failDocument(ctx context.Context, runID, docID, name string, err error) {
	s.sink.Error(runID, stageRecord, docID, err.Error())
	s.appendOutcome(ctx, journal.Outcome{
		RunID: runID, DocumentID: docID, Unit: journal.UnitDocument, UnitRef: name,
		Status: journal.StatusFailed, Detail: err.Error(),
	})
	s.log.Error("document failed", slog.String("document", docID), slogError(err))
}

func (s *Service) appendOutcome(ctx context.Context, o journal.Outcome) {
	if err := s.journal.AppendOutcome(ctx, o); err != nil {
		s.log.Warn("failed to journal outcome", slogError(err))
	}
}

func (s *Service) addCount(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
