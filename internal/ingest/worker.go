package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kalambet/pharmarag/internal/retrieval"
	"github.com/kalambet/pharmarag/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetKnowledgeDoc(id string) (storage.KnowledgeDoc, error)
}

// Inserter embeds and stores text in a collection.
type Inserter interface {
	InsertAt(ctx context.Context, collection, text string, metadata retrieval.Metadata, at time.Time) (string, error)
}

// Worker processes index_document jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	index  Inserter
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, index Inserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		index:  index,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ingest: worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobIndexDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest: job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("ingest: failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetKnowledgeDoc(payload.DocID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocID, err)
	}

	meta := retrieval.Metadata{
		"doc_id": doc.ID,
		"title":  doc.Title,
		"chunk":  strconv.Itoa(payload.ChunkIndex),
	}
	if doc.Source != "" {
		meta["source"] = doc.Source
	}
	if _, err := w.index.InsertAt(ctx, doc.Collection, payload.Text, meta, doc.CreatedAt); err != nil {
		return fmt.Errorf("indexing chunk %d of %s: %w", payload.ChunkIndex, doc.ID, err)
	}
	return nil
}
