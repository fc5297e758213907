package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nthree/aozorastation/internal/protocol"
)

// Notifier publishes status updates and notices on the bus. Publishing is
// best-effort: a failed publish is logged but never fails the batch that
// produced the event.
type Notifier struct {
	client *Client
	log    *slog.Logger
	clock  func() time.Time
}

func NewNotifier(client *Client, log *slog.Logger) *Notifier {
	return &Notifier{
		client: client,
		log:    log.With(slog.String("component", "notifier")),
		clock:  time.Now,
	}
}

// Status publishes a progress line such as "Making wavs... / 12items".
func (n *Notifier) Status(runID, status, target string) {
	n.publish(protocol.SubjectStatus, protocol.StatusUpdate{
		RunID:     runID,
		Status:    status,
		Target:    target,
		Timestamp: n.clock().UTC(),
	})
}

// Info publishes an informational notice, e.g. batch completion.
func (n *Notifier) Info(runID, message string) {
	n.publish(protocol.SubjectNotice, protocol.Notice{
		RunID:     runID,
		Level:     protocol.LevelInfo,
		Message:   message,
		Timestamp: n.clock().UTC(),
	})
}

// Error publishes an error notice scoped to a stage and, when unit-level,
// a document.
func (n *Notifier) Error(runID, stage, documentID, message string) {
	n.publish(protocol.SubjectNotice, protocol.Notice{
		RunID:      runID,
		Level:      protocol.LevelError,
		Stage:      stage,
		DocumentID: documentID,
		Message:    message,
		Timestamp:  n.clock().UTC(),
	})
}

func (n *Notifier) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.log.Warn("failed to encode bus event", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := n.client.Conn().Publish(subject, data); err != nil {
		n.log.Warn("failed to publish bus event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
