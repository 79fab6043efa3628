package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"

	"github.com/lonmstalker/advert-market-sub000/internal/events"
)

// Handler consumes one delivered envelope. Returning an error makes River retry the job.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

// DeliveryWorker routes delivery jobs to the handler registered for their topic.
type DeliveryWorker struct {
	river.WorkerDefaults[DeliveryArgs]
	handlers map[string]Handler
	fallback Handler
	log      logrus.FieldLogger
}

// NewDeliveryWorker returns a router whose unregistered topics go to a LogSink.
func NewDeliveryWorker(log logrus.FieldLogger) *DeliveryWorker {
	log = log.WithField("component", "outbox_delivery")
	return &DeliveryWorker{
		handlers: make(map[string]Handler),
		fallback: &LogSink{log: log},
		log:      log,
	}
}

// Register binds h to topic. Call before the River client starts.
func (w *DeliveryWorker) Register(topic string, h Handler) {
	w.handlers[topic] = h
}

func (w *DeliveryWorker) Work(ctx context.Context, job *river.Job[DeliveryArgs]) error {
	args := job.Args
	var env events.Envelope
	if err := json.Unmarshal(args.Envelope, &env); err != nil {
		// A malformed envelope will never decode; retrying cannot help.
		w.log.WithError(err).WithField("outbox_id", args.OutboxID).Error("dropping undecodable envelope")
		return nil
	}
	h, ok := w.handlers[args.Topic]
	if !ok {
		h = w.fallback
	}
	if err := h.Handle(ctx, env); err != nil {
		return fmt.Errorf("handle %s %s: %w", args.Topic, env.EventID, err)
	}
	return nil
}

// LogSink stands in for consumers that live outside this process
// (notification delivery, deposit watching, posting, delivery checks).
type LogSink struct {
	log logrus.FieldLogger
}

func (s *LogSink) Handle(_ context.Context, env events.Envelope) error {
	s.log.WithFields(logrus.Fields{
		"event_id":   env.EventID,
		"event_type": env.EventType,
		"deal_id":    env.DealID,
	}).Info("handed off to external consumer")
	return nil
}

// ErrorLogger reports failed and panicking River jobs. It never overrides
// River's retry decision.
type ErrorLogger struct {
	log logrus.FieldLogger
}

func NewErrorLogger(log logrus.FieldLogger) *ErrorLogger {
	return &ErrorLogger{log: log.WithField("component", "river")}
}

var _ river.ErrorHandler = (*ErrorLogger)(nil)

func (h *ErrorLogger) HandleError(_ context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.fields(job).WithError(err).Error("job failed")
	return nil
}

func (h *ErrorLogger) HandlePanic(_ context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.fields(job).WithFields(logrus.Fields{"panic": panicVal, "trace": trace}).Error("job panicked")
	return nil
}

func (h *ErrorLogger) fields(job *rivertype.JobRow) logrus.FieldLogger {
	return h.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempt,
		"max":     job.MaxAttempts,
	})
}
