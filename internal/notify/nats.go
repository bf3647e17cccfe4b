// Package notify delivers batch notifications over NATS and reacts to
// failure notifications.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

// SubjectHeader carries the human-readable notification subject; the NATS
// subject is the topic.
const SubjectHeader = "Batch-Subject"

const stuckSuffix = " Stuck"

// Conn is the part of *nats.Conn the notifier and subscriber use.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSPublisher implements batchload.Notifier.
type NATSPublisher struct {
	conn Conn
}

func NewNATSPublisher(conn Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(ctx context.Context, topic, subject string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return fmt.Errorf("%w: empty topic", batchload.ErrInvalidInput)
	}
	msg := nats.NewMsg(topic)
	msg.Header.Set(SubjectHeader, subject)
	msg.Data = message
	return p.conn.PublishMsg(msg)
}

// LogNotifier writes notifications to the process log. It stands in when
// no broker is configured.
type LogNotifier struct {
	Logf func(format string, args ...any)
}

func (n LogNotifier) Publish(_ context.Context, topic, subject string, message []byte) error {
	logf := n.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("notify %s: %s %s", topic, subject, message)
	return nil
}

// Reprocessor is the engine operation the failure subscriber drives.
type Reprocessor interface {
	ReprocessBatch(ctx context.Context, prefix, batchID string, omit []string) (batchload.ReprocessResult, error)
}

// FailureSubscriber reprocesses failed batches announced on a failure
// topic. Subscribers sharing a queue group split the work.
type FailureSubscriber struct {
	conn        Conn
	reprocessor Reprocessor
	queue       string
	logf        func(format string, args ...any)
}

func NewFailureSubscriber(conn Conn, reprocessor Reprocessor, queue string, logf func(string, ...any)) *FailureSubscriber {
	if logf == nil {
		logf = log.Printf
	}
	return &FailureSubscriber{conn: conn, reprocessor: reprocessor, queue: queue, logf: logf}
}

// Subscribe starts consuming topic. Handling runs on the NATS delivery
// goroutine under ctx.
func (s *FailureSubscriber) Subscribe(ctx context.Context, topic string) (*nats.Subscription, error) {
	return s.conn.QueueSubscribe(topic, s.queue, func(msg *nats.Msg) {
		if err := s.Handle(ctx, msg); err != nil {
			s.logf("failure notification on %s: %v", msg.Subject, err)
		}
	})
}

// Handle reprocesses the batch a failure notification names. Stuck-append
// alerts and notifications without a failed batch are ignored.
func (s *FailureSubscriber) Handle(ctx context.Context, msg *nats.Msg) error {
	if msg.Header != nil && strings.HasSuffix(msg.Header.Get(SubjectHeader), stuckSuffix) {
		return nil
	}
	var n batchload.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.Status != batchload.TargetError || n.BatchID == "" || n.Prefix == "" {
		return nil
	}
	result, err := s.reprocessor.ReprocessBatch(ctx, n.Prefix, n.BatchID, nil)
	if errors.Is(err, batchload.ErrBatchEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reprocess %s/%s: %w", n.Prefix, n.BatchID, err)
	}
	s.logf("reprocessed batch %s on %s: %d files re-triggered", n.BatchID, n.Prefix, len(result.Retriggered))
	return nil
}

var _ batchload.Notifier = (*NATSPublisher)(nil)
var _ Conn = (*nats.Conn)(nil)
