package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skillfulagents/workstation/internal/common/logger"
	"github.com/skillfulagents/workstation/internal/store"
)

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *store.AuditEntry) error
}

// auditWriter decouples audit persistence from the response path. Writes are
// queued; a failed write is retried once before being dropped with a log.
// A full queue drops the entry rather than blocking the proxy.
type auditWriter struct {
	store  AuditStore
	logger *logger.Logger
	queue  chan *store.AuditEntry
	wg     sync.WaitGroup
}

const (
	auditQueueSize  = 256
	auditRetryDelay = 500 * time.Millisecond
)

func newAuditWriter(auditStore AuditStore, log *logger.Logger) *auditWriter {
	w := &auditWriter{
		store:  auditStore,
		logger: log,
		queue:  make(chan *store.AuditEntry, auditQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// write enqueues an audit entry. Never blocks.
func (w *auditWriter) write(entry *store.AuditEntry) {
	select {
	case w.queue <- entry:
	default:
		w.logger.Warn("audit queue full, dropping entry",
			zap.String("agent_slug", entry.AgentSlug),
			zap.String("target_host", entry.TargetHost))
	}
}

func (w *auditWriter) loop() {
	defer w.wg.Done()
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.AppendAudit(ctx, entry)
		cancel()
		if err == nil {
			continue
		}

		time.Sleep(auditRetryDelay)
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		if retryErr := w.store.AppendAudit(ctx, entry); retryErr != nil {
			w.logger.Error("failed to persist audit entry",
				zap.String("agent_slug", entry.AgentSlug),
				zap.String("target_host", entry.TargetHost),
				zap.Error(retryErr))
		}
		cancel()
	}
}

// close drains the queue and stops the worker.
func (w *auditWriter) close() {
	close(w.queue)
	w.wg.Wait()
}
