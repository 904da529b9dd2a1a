package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	phlog "github.com/oarkflow/log"

	"github.com/oarkflow/guard/logger"
)

// AuditSink receives enforcement outcomes. Calls are best-effort: the
// enforcer logs and discards any error.
type AuditSink interface {
	RecordGranted(ctx context.Context, d *Decision) error
	// RecordDenied gets a nil decision when evaluation itself failed.
	RecordDenied(ctx context.Context, d *Decision, cause error) error
}

// AuditRecord is the flattened form of one audit signal
type AuditRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Granted          bool      `json:"granted"`
	Username         string    `json:"username"`
	OrganizationCode string    `json:"organization_code"`
	GroupCode        string    `json:"group_code"`
	Feature          string    `json:"feature"`
	Action           string    `json:"action"`
	RowScope         string    `json:"row_scope"`
	Reason           string    `json:"reason"`
}

// NewAuditRecord flattens a signal. With no decision the feature, action and
// username come from a *PermissionDeniedError cause when there is one.
func NewAuditRecord(d *Decision, granted bool, cause error) AuditRecord {
	rec := AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Granted:   granted,
	}
	if d != nil {
		rec.Username = d.Username
		rec.OrganizationCode = d.OrganizationCode
		rec.GroupCode = d.PermissionGroupCode
		rec.Feature = string(d.Feature)
		rec.Action = string(d.Action)
		rec.RowScope = string(d.RowScope)
	}
	if cause != nil {
		rec.Reason = cause.Error()
		var pd *PermissionDeniedError
		if d == nil && errors.As(cause, &pd) {
			rec.Username = pd.Username
			rec.GroupCode = pd.Group
			rec.Feature = string(pd.Feature)
			rec.Action = string(pd.Action)
		}
	}
	return rec
}

// LogAuditSink writes each signal as a structured log line.
type LogAuditSink struct{}

func (LogAuditSink) RecordGranted(_ context.Context, d *Decision) error {
	logAudit(NewAuditRecord(d, true, nil))
	return nil
}

func (LogAuditSink) RecordDenied(_ context.Context, d *Decision, cause error) error {
	logAudit(NewAuditRecord(d, false, cause))
	return nil
}

func logAudit(rec AuditRecord) {
	phlog.Info().
		Str("audit_id", rec.ID).
		Str("username", rec.Username).
		Str("organization", rec.OrganizationCode).
		Str("group", rec.GroupCode).
		Str("feature", rec.Feature).
		Str("action", rec.Action).
		Str("scope", rec.RowScope).
		Bool("granted", rec.Granted).
		Str("reason", rec.Reason).
		Msg("audit decision")
}

// MultiAuditSink fans out to every sink and joins their errors.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) RecordGranted(ctx context.Context, d *Decision) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordGranted(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiAuditSink) RecordDenied(ctx context.Context, d *Decision, cause error) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordDenied(ctx, d, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type auditEvent struct {
	granted bool
	d       *Decision
	cause   error
}

// AsyncAuditSink queues signals for a background writer. A full queue drops
// the signal instead of blocking the caller.
type AsyncAuditSink struct {
	next    AuditSink
	ch      chan auditEvent
	done    chan struct{}
	logger  logger.Logger
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewAsyncAuditSink(next AuditSink, queue int, l logger.Logger) *AsyncAuditSink {
	if queue <= 0 {
		queue = 1024
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	s := &AsyncAuditSink{
		next:   next,
		ch:     make(chan auditEvent, queue),
		done:   make(chan struct{}),
		logger: l,
	}
	go s.run()
	return s
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	bg := context.Background()
	for ev := range s.ch {
		var err error
		if ev.granted {
			err = s.next.RecordGranted(bg, ev.d)
		} else {
			err = s.next.RecordDenied(bg, ev.d, ev.cause)
		}
		if err != nil {
			s.logger.Error("audit write failed", "error", err.Error())
		}
	}
}

func (s *AsyncAuditSink) enqueue(ev auditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("audit sink closed")
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *AsyncAuditSink) RecordGranted(_ context.Context, d *Decision) error {
	return s.enqueue(auditEvent{granted: true, d: d})
}

func (s *AsyncAuditSink) RecordDenied(_ context.Context, d *Decision, cause error) error {
	return s.enqueue(auditEvent{d: d, cause: cause})
}

// Dropped is the number of signals discarded on a full queue.
func (s *AsyncAuditSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting signals and waits for queued ones to be written.
func (s *AsyncAuditSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	<-s.done
}
