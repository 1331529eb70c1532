// Package queue adds batch semantics on top of the store's atomic dequeue.
// Projects submitted together share a batch id. When every row of a batch
// has settled, failed rows are resubmitted as a new batch named
// <batch>-retry<N> until their attempts run out, after which they are marked
// permanently_failed and escalated.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"foreman/pkg/config"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the slice of the persistent store the queue needs.
type Store interface {
	EnqueueProject(ctx context.Context, req store.EnqueueRequest) (int64, bool, error)
	DequeueNextProject(ctx context.Context, limit int) (*protocol.Project, error)
	GetProject(ctx context.Context, id int64) (*protocol.Project, error)
	ListProjects(ctx context.Context, f store.ListFilter) ([]protocol.Project, error)
	TransitionStatus(ctx context.Context, id int64, from, to protocol.ProjectStatus, errMsg string) error
	ResumeCreditPaused(ctx context.Context, id int64, limit int) (bool, error)
	SetBatchID(ctx context.Context, id int64, batchID string) error
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// StateReader reads SessionState documents.
type StateReader interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
}

// Escalator raises an issue to a human operator.
type Escalator interface {
	Escalate(ctx context.Context, session, details string, agents []string) error
}

// Researcher rewrites a failed spec before it is retried. It returns the
// path of the spec to resubmit.
type Researcher interface {
	Enhance(ctx context.Context, specPath, failureReason string) (string, error)
}

// Config holds queue policy.
type Config struct {
	MaxConcurrent   int
	MaxRetries      int
	BatchMonitoring bool
}

// FromConfig extracts queue policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{MaxConcurrent: c.MaxConcurrent, MaxRetries: c.MaxRetries, BatchMonitoring: c.BatchMonitoring}
}

// Queue is the ProjectQueue.
type Queue struct {
	store      Store
	states     StateReader
	esc        Escalator
	researcher Researcher
	cfg        Config
	logger     *log.Logger
	tracer     trace.Tracer
}

// New returns a Queue. states, esc and researcher may be nil.
func New(s Store, states StateReader, esc Escalator, researcher Researcher, cfg Config, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = protocol.DefaultMaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = protocol.DefaultMaxRetries
	}
	return &Queue{
		store:      s,
		states:     states,
		esc:        esc,
		researcher: researcher,
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.Tracer("foreman/queue"),
	}
}

// SetTracer overrides the tracer. Intended for tests.
func (q *Queue) SetTracer(t trace.Tracer) { q.tracer = t }

// NewBatchID returns a fresh batch identifier.
func NewBatchID() string {
	return "batch-" + uuid.New().String()[:8]
}

// Submission is one spec of a batch submission.
type Submission struct {
	SpecPath       string
	WorkspacePath  string
	Priority       int
	EstimatedHours float64
}

// Submit enqueues specs as one batch and returns the batch id and project
// ids. A spec that already has an active row keeps its existing id.
func (q *Queue) Submit(ctx context.Context, subs []Submission) (string, []int64, error) {
	if len(subs) == 0 {
		return "", nil, errors.New("submit: no specs")
	}
	batchID := NewBatchID()
	ids := make([]int64, 0, len(subs))
	for _, s := range subs {
		id, _, err := q.store.EnqueueProject(ctx, store.EnqueueRequest{
			SpecPath:       s.SpecPath,
			WorkspacePath:  s.WorkspacePath,
			Priority:       s.Priority,
			BatchID:        batchID,
			EstimatedHours: s.EstimatedHours,
		})
		if err != nil {
			return batchID, ids, fmt.Errorf("submit %s: %w", s.SpecPath, err)
		}
		ids = append(ids, id)
	}
	return batchID, ids, nil
}

// Next atomically claims the next queued project, or returns nil when the
// queue is empty or the concurrency limit is reached.
func (q *Queue) Next(ctx context.Context) (*protocol.Project, error) {
	return q.store.DequeueNextProject(ctx, q.cfg.MaxConcurrent)
}

// BatchResult describes one CheckBatchCompletion evaluation.
type BatchResult struct {
	BatchID           string
	Total             int
	Active            int
	Completed         int
	Failed            int
	Settled           bool
	RetryBatchID      string
	Retried           []int64
	Resubmitted       []int64
	PermanentlyFailed []int64
}

var retrySuffix = regexp.MustCompile(`-retry\d+$`)

// RetryBatchID names the retry batch for attempt n of batchID.
func RetryBatchID(batchID string, n int) string {
	return retrySuffix.ReplaceAllString(batchID, "") + "-retry" + strconv.Itoa(n)
}

// CheckBatchCompletion settles batchID if every row has stopped running:
// failed rows with attempts left move to retried and are resubmitted in a
// retry batch, the rest become permanently_failed and are escalated. Rows
// already retried or permanently failed are left alone, so repeated calls
// are harmless.
func (q *Queue) CheckBatchCompletion(ctx context.Context, batchID string) (res BatchResult, err error) {
	ctx, span := q.tracer.Start(ctx, "queue.check_batch", trace.WithAttributes(attribute.String("batch.id", batchID)))
	defer func() {
		span.SetAttributes(
			attribute.Bool("batch.settled", res.Settled),
			attribute.Int("batch.retried", len(res.Retried)),
			attribute.Int("batch.permanently_failed", len(res.PermanentlyFailed)),
		)
		telemetry.End(span, err)
	}()

	res.BatchID = batchID
	if batchID == "" {
		return res, errors.New("check batch: empty batch id")
	}
	rows, err := q.store.ListProjects(ctx, store.ListFilter{BatchID: batchID})
	if err != nil {
		return res, err
	}
	res.Total = len(rows)
	var failed []protocol.Project
	for _, p := range rows {
		switch {
		case !p.Status.IsSettled():
			res.Active++
		case p.Status == protocol.StatusCompleted:
			res.Completed++
		case p.Status == protocol.StatusFailed:
			res.Failed++
			failed = append(failed, p)
		}
	}
	if res.Total == 0 || res.Active > 0 {
		return res, nil
	}
	res.Settled = true

	var exhausted []protocol.Project
	for _, p := range failed {
		if p.RetryCount+1 >= q.cfg.MaxRetries {
			exhausted = append(exhausted, p)
			continue
		}
		newID, err := q.retry(ctx, p)
		if err != nil {
			q.logger.Printf("level=error msg=\"retry failed\" project=%d batch=%s err=%q", p.ID, batchID, err)
			continue
		}
		if newID == 0 {
			continue
		}
		res.RetryBatchID = RetryBatchID(batchID, p.RetryCount+1)
		res.Retried = append(res.Retried, p.ID)
		res.Resubmitted = append(res.Resubmitted, newID)
	}

	for _, p := range exhausted {
		err := q.store.TransitionStatus(ctx, p.ID, protocol.StatusFailed, protocol.StatusPermanentlyFailed, p.ErrorMessage)
		var bad *protocol.InvalidTransitionError
		if errors.As(err, &bad) {
			continue
		}
		if err != nil {
			q.logger.Printf("level=error msg=\"mark permanently failed\" project=%d err=%q", p.ID, err)
			continue
		}
		res.PermanentlyFailed = append(res.PermanentlyFailed, p.ID)
		q.retireLineage(ctx, p)
	}
	if len(res.PermanentlyFailed) > 0 {
		q.escalateExhausted(ctx, batchID, exhausted, res.PermanentlyFailed)
	}
	return res, nil
}

// retry claims a failed row by moving it to retried, then resubmits its spec
// in the retry batch. The claim is undone if the resubmission fails. It
// returns zero when another caller claimed the row first.
func (q *Queue) retry(ctx context.Context, p protocol.Project) (int64, error) {
	err := q.store.TransitionStatus(ctx, p.ID, protocol.StatusFailed, protocol.StatusRetried, p.ErrorMessage)
	var bad *protocol.InvalidTransitionError
	if errors.As(err, &bad) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	spec := p.SpecPath
	if q.researcher != nil {
		enhanced, rerr := q.researcher.Enhance(ctx, p.SpecPath, p.ErrorMessage)
		switch {
		case rerr != nil:
			q.logger.Printf("level=warn msg=\"spec research failed, retrying original\" project=%d err=%q", p.ID, rerr)
		case strings.TrimSpace(enhanced) != "":
			spec = strings.TrimSpace(enhanced)
		}
	}

	attempt := p.RetryCount + 1
	id, _, err := q.store.EnqueueProject(ctx, store.EnqueueRequest{
		SpecPath:       spec,
		WorkspacePath:  p.WorkspacePath,
		Priority:       p.Priority,
		BatchID:        RetryBatchID(p.BatchID, attempt),
		RetryCount:     attempt,
		EstimatedHours: p.EstimatedHours,
		ParentID:       p.ID,
	})
	if err != nil {
		if uerr := q.store.TransitionStatus(ctx, p.ID, protocol.StatusRetried, protocol.StatusFailed, p.ErrorMessage); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return 0, err
	}
	payload := fmt.Sprintf(`{"from":%d,"to":%d,"attempt":%d}`, p.ID, id, attempt)
	if lerr := q.store.LogEvent(ctx, "project_retried", "queue", p.SessionName, "", payload); lerr != nil {
		q.logger.Printf("level=warn msg=\"retry event not stored\" project=%d err=%q", p.ID, lerr)
	}
	q.logger.Printf("level=info msg=\"project resubmitted\" project=%d new=%d attempt=%d", p.ID, id, attempt)
	return id, nil
}

// retireLineage marks the earlier attempts of an exhausted project
// permanently_failed as well, so the whole logical project reads as failed.
func (q *Queue) retireLineage(ctx context.Context, p protocol.Project) {
	for parent := p.ParentID; parent != 0; {
		prev, err := q.store.GetProject(ctx, parent)
		if err != nil {
			q.logger.Printf("level=warn msg=\"retry lineage broken\" project=%d parent=%d err=%q", p.ID, parent, err)
			return
		}
		if prev.Status == protocol.StatusRetried {
			if err := q.store.TransitionStatus(ctx, prev.ID, protocol.StatusRetried, protocol.StatusPermanentlyFailed, prev.ErrorMessage); err != nil {
				q.logger.Printf("level=warn msg=\"retire attempt\" project=%d err=%q", prev.ID, err)
			}
		}
		parent = prev.ParentID
	}
}

func (q *Queue) escalateExhausted(ctx context.Context, batchID string, rows []protocol.Project, ids []int64) {
	var specs []string
	session := ""
	for _, p := range rows {
		specs = append(specs, p.SpecPath)
		if session == "" {
			session = p.SessionName
		}
	}
	details := fmt.Sprintf("batch %s exhausted %d attempt(s) for project(s) %v: %s",
		batchID, q.cfg.MaxRetries, ids, strings.Join(specs, ", "))
	q.logger.Printf("level=error msg=\"batch retries exhausted\" batch=%s projects=%v", batchID, ids)
	if err := q.store.LogEvent(ctx, "batch_exhausted", "queue", session, "", details); err != nil {
		q.logger.Printf("level=warn msg=\"exhaustion event not stored\" batch=%s err=%q", batchID, err)
	}
	if q.esc == nil {
		return
	}
	if err := q.esc.Escalate(ctx, session, details, nil); err != nil {
		q.logger.Printf("level=warn msg=\"escalation failed\" batch=%s err=%q", batchID, err)
	}
}

// OnProjectSettled is the eager trigger run after a project completes or
// fails. The periodic Sweep covers a crash between the status change and
// this call.
func (q *Queue) OnProjectSettled(ctx context.Context, id int64) (BatchResult, error) {
	if !q.cfg.BatchMonitoring {
		return BatchResult{}, nil
	}
	p, err := q.store.GetProject(ctx, id)
	if err != nil {
		return BatchResult{}, err
	}
	if p.BatchID == "" {
		return BatchResult{}, nil
	}
	return q.CheckBatchCompletion(ctx, p.BatchID)
}

// SweepResult summarises one Sweep pass.
type SweepResult struct {
	Batches []BatchResult
	Resumed []int64
}

// Sweep checks every batch holding a failed row and resumes credit-paused
// projects whose agents have credits again.
func (q *Queue) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := q.tracer.Start(ctx, "queue.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("sweep.batches", len(res.Batches)), attribute.Int("sweep.resumed", len(res.Resumed)))
		telemetry.End(span, err)
	}()

	var errs []error
	if q.cfg.BatchMonitoring {
		failed, err := q.store.ListProjects(ctx, store.ListFilter{Statuses: []protocol.ProjectStatus{protocol.StatusFailed}})
		if err != nil {
			return res, err
		}
		seen := make(map[string]bool)
		var batches []string
		for _, p := range failed {
			batch := p.BatchID
			if batch == "" {
				// Rows enqueued without a batch form a batch of one.
				batch = "project-" + strconv.FormatInt(p.ID, 10)
				if err := q.store.SetBatchID(ctx, p.ID, batch); err != nil {
					errs = append(errs, err)
					continue
				}
			}
			if !seen[batch] {
				seen[batch] = true
				batches = append(batches, batch)
			}
		}
		sort.Strings(batches)
		for _, b := range batches {
			br, err := q.CheckBatchCompletion(ctx, b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			res.Batches = append(res.Batches, br)
		}
	}

	resumed, err := q.resumeCreditPaused(ctx)
	res.Resumed = resumed
	if err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (q *Queue) resumeCreditPaused(ctx context.Context) ([]int64, error) {
	paused, err := q.store.ListProjects(ctx, store.ListFilter{Statuses: []protocol.ProjectStatus{protocol.StatusCreditPaused}})
	if err != nil {
		return nil, err
	}
	var resumed []int64
	for _, p := range paused {
		if q.states != nil && p.SessionName != "" {
			st, err := q.states.Get(ctx, p.SessionName)
			if err != nil && !errors.Is(err, sessionstate.ErrNotFound) {
				q.logger.Printf("level=warn msg=\"session state unreadable\" session=%s err=%q", p.SessionName, err)
				continue
			}
			if st != nil && st.AnyExhausted() {
				continue
			}
		}
		ok, err := q.store.ResumeCreditPaused(ctx, p.ID, q.cfg.MaxConcurrent)
		if err != nil {
			q.logger.Printf("level=warn msg=\"resume credit-paused project failed\" project=%d err=%q", p.ID, err)
			continue
		}
		if !ok {
			// Concurrency limit reached; later rows would fail too.
			break
		}
		resumed = append(resumed, p.ID)
		q.logger.Printf("level=info msg=\"resumed credit-paused project\" project=%d", p.ID)
	}
	return resumed, nil
}

// Pause moves a processing project to credit_paused so it stops counting
// toward the concurrency limit.
func (q *Queue) Pause(ctx context.Context, id int64, reason string) error {
	return q.store.TransitionStatus(ctx, id, protocol.StatusProcessing, protocol.StatusCreditPaused, reason)
}
