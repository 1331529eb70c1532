package queue_test

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foreman/pkg/lock"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/telemetry"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type fakeEscalator struct {
	details []string
}

func (f *fakeEscalator) Escalate(_ context.Context, _, details string, _ []string) error {
	f.details = append(f.details, details)
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fail(t *testing.T, s *store.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := s.MarkComplete(context.Background(), id, false, "agents stuck"); err != nil {
			t.Fatalf("MarkComplete(%d): %v", id, err)
		}
	}
}

func status(t *testing.T, s *store.Store, id int64) protocol.ProjectStatus {
	t.Helper()
	p, err := s.GetProject(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Status
}

func submit(t *testing.T, q *queue.Queue, specs ...string) (string, []int64) {
	t.Helper()
	subs := make([]queue.Submission, len(specs))
	for i, s := range specs {
		subs[i] = queue.Submission{SpecPath: s, EstimatedHours: 2}
	}
	batch, ids, err := q.Submit(context.Background(), subs)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return batch, ids
}

func TestSubmitGroupsBatch(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	q := queue.New(s, nil, nil, nil, queue.Config{MaxConcurrent: 2}, nil)
	batch, ids := submit(t, q, "/specs/a.md", "/specs/b.md")
	if !strings.HasPrefix(batch, "batch-") || len(ids) != 2 {
		t.Fatalf("batch = %q ids = %v", batch, ids)
	}
	rows, err := s.ListProjects(context.Background(), store.ListFilter{BatchID: batch})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].EstimatedHours != 2 {
		t.Errorf("rows = %+v", rows)
	}

	ctx := context.Background()
	first, _ := q.Next(ctx)
	second, _ := q.Next(ctx)
	third, _ := q.Next(ctx)
	if first == nil || second == nil || third != nil {
		t.Errorf("Next = %v, %v, %v; want two projects then nil", first, second, third)
	}
}

func TestRetryBatchID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		batch string
		n     int
		want  string
	}{
		{"batch-1", 1, "batch-1-retry1"},
		{"batch-1-retry1", 2, "batch-1-retry2"},
		{"nightly-retry", 1, "nightly-retry-retry1"},
	}
	for _, tt := range tests {
		if got := queue.RetryBatchID(tt.batch, tt.n); got != tt.want {
			t.Errorf("RetryBatchID(%q, %d) = %q, want %q", tt.batch, tt.n, got, tt.want)
		}
	}
}

func TestBatchNotSettledWhileActive(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	q := queue.New(s, nil, nil, nil, queue.Config{MaxConcurrent: 2, BatchMonitoring: true}, nil)
	batch, ids := submit(t, q, "/specs/a.md", "/specs/b.md")
	fail(t, s, ids[0])

	res, err := q.CheckBatchCompletion(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Settled || res.Active != 1 || len(res.Retried) != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := status(t, s, ids[0]); got != protocol.StatusFailed {
		t.Errorf("failed row status = %s", got)
	}
}

func TestFailedRowsResubmittedInRetryBatch(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	q := queue.New(s, nil, nil, nil, queue.Config{MaxConcurrent: 2, MaxRetries: 3, BatchMonitoring: true}, nil)
	batch, ids := submit(t, q, "/specs/a.md", "/specs/b.md")
	if _, err := s.MarkComplete(ctx, ids[0], true, ""); err != nil {
		t.Fatal(err)
	}
	fail(t, s, ids[1])

	res, err := q.OnProjectSettled(ctx, ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if !res.Settled || res.Completed != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.RetryBatchID != batch+"-retry1" || len(res.Resubmitted) != 1 {
		t.Fatalf("retry batch = %q resubmitted = %v", res.RetryBatchID, res.Resubmitted)
	}
	if got := status(t, s, ids[1]); got != protocol.StatusRetried {
		t.Errorf("original status = %s, want retried", got)
	}
	retry, err := s.GetProject(ctx, res.Resubmitted[0])
	if err != nil {
		t.Fatal(err)
	}
	if retry.SpecPath != "/specs/b.md" || retry.RetryCount != 1 || retry.ParentID != ids[1] ||
		retry.Status != protocol.StatusQueued || retry.EstimatedHours != 2 {
		t.Errorf("retry row = %+v", retry)
	}

	again, err := q.CheckBatchCompletion(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Resubmitted) != 0 {
		t.Errorf("second check resubmitted %v", again.Resubmitted)
	}
}

func TestBatchRetryExhaustion(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	esc := &fakeEscalator{}
	q := queue.New(s, nil, esc, nil, queue.Config{MaxConcurrent: 5, MaxRetries: 3, BatchMonitoring: true}, nil)
	batch, ids := submit(t, q, "/specs/a.md", "/specs/b.md", "/specs/c.md")

	for attempt := 1; attempt <= 3; attempt++ {
		fail(t, s, ids...)
		res, err := q.CheckBatchCompletion(ctx, batch)
		if err != nil {
			t.Fatal(err)
		}
		if attempt < 3 {
			if len(res.Resubmitted) != 3 {
				t.Fatalf("attempt %d resubmitted %v", attempt, res.Resubmitted)
			}
			batch, ids = res.RetryBatchID, res.Resubmitted
			continue
		}
		if len(res.Resubmitted) != 0 || len(res.PermanentlyFailed) != 3 {
			t.Fatalf("final result = %+v", res)
		}
	}

	all, err := s.ListProjects(ctx, store.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 9 {
		t.Errorf("rows = %d, want 9 (3 specs x 3 attempts)", len(all))
	}
	for _, p := range all {
		if p.Status != protocol.StatusPermanentlyFailed {
			t.Errorf("project %d (%s, batch %s) = %s, want permanently_failed", p.ID, p.SpecPath, p.BatchID, p.Status)
		}
	}
	if len(esc.details) != 1 || !strings.Contains(esc.details[0], batch) {
		t.Errorf("escalations = %v", esc.details)
	}

	// A further sweep finds nothing left to retry.
	sweep, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sweep.Batches) != 0 {
		t.Errorf("sweep checked %d batches", len(sweep.Batches))
	}
	if n, _ := s.CountByStatus(ctx); n[protocol.StatusQueued] != 0 {
		t.Errorf("queued after exhaustion = %d", n[protocol.StatusQueued])
	}
}

func TestSweepSettlesBatchesMissedByEvents(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	q := queue.New(s, nil, nil, nil, queue.Config{MaxConcurrent: 1, MaxRetries: 3, BatchMonitoring: true}, nil)

	loose, _, err := s.EnqueueProject(ctx, store.EnqueueRequest{SpecPath: "/specs/loose.md"})
	if err != nil {
		t.Fatal(err)
	}
	_, ids := submit(t, q, "/specs/a.md")
	fail(t, s, loose, ids[0])

	res, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Batches) != 2 {
		t.Fatalf("batches = %+v", res.Batches)
	}
	p, _ := s.GetProject(ctx, loose)
	if p.BatchID == "" || p.Status != protocol.StatusRetried {
		t.Errorf("unbatched row = %+v", p)
	}
}

func TestBatchMonitoringDisabled(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	q := queue.New(s, nil, nil, nil, queue.Config{BatchMonitoring: false}, nil)
	_, ids := submit(t, q, "/specs/a.md")
	fail(t, s, ids[0])
	res, err := q.OnProjectSettled(context.Background(), ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if res.Settled {
		t.Error("batch evaluated with monitoring disabled")
	}
	if got := status(t, s, ids[0]); got != protocol.StatusFailed {
		t.Errorf("status = %s", got)
	}
}

type researcher struct {
	path string
	err  error
}

func (r researcher) Enhance(context.Context, string, string) (string, error) { return r.path, r.err }

func TestResearchHookRewritesRetrySpec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, tt := range []struct {
		name string
		r    researcher
		want string
	}{
		{"enhanced", researcher{path: "/specs/a.v2.md"}, "/specs/a.v2.md"},
		{"research error keeps original", researcher{err: errors.New("timeout")}, "/specs/a.md"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			q := queue.New(s, nil, nil, tt.r, queue.Config{MaxRetries: 3, BatchMonitoring: true}, nil)
			batch, ids := submit(t, q, "/specs/a.md")
			fail(t, s, ids[0])
			res, err := q.CheckBatchCompletion(ctx, batch)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Resubmitted) != 1 {
				t.Fatalf("result = %+v", res)
			}
			p, _ := s.GetProject(ctx, res.Resubmitted[0])
			if p.SpecPath != tt.want {
				t.Errorf("retry spec = %s, want %s", p.SpecPath, tt.want)
			}
		})
	}
}

func TestSweepResumesCreditPaused(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := newStore(t)
	ctx := context.Background()
	states := sessionstate.NewManager(filepath.Join(root, "state"), filepath.Join(root, "q"),
		lock.NewKeyedLocker(filepath.Join(root, "locks")), nil)
	q := queue.New(s, states, nil, nil, queue.Config{MaxConcurrent: 1, BatchMonitoring: true}, nil)

	_, ids := submit(t, q, "/specs/a.md")
	p, err := q.Next(ctx)
	if err != nil || p == nil {
		t.Fatalf("Next = %v, %v", p, err)
	}
	if err := s.SetSessionName(ctx, p.ID, "foreman-1"); err != nil {
		t.Fatal(err)
	}
	err = states.Update(ctx, "foreman-1", func(st *sessionstate.State) error {
		st.Agent("developer").CreditsExhausted = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Pause(ctx, ids[0], "credits exhausted"); err != nil {
		t.Fatal(err)
	}

	res, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Resumed) != 0 {
		t.Fatalf("resumed %v while credits exhausted", res.Resumed)
	}

	err = states.Update(ctx, "foreman-1", func(st *sessionstate.State) error {
		st.Agent("developer").CreditsExhausted = false
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err = q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Resumed) != 1 || status(t, s, ids[0]) != protocol.StatusProcessing {
		t.Errorf("resumed = %v status = %s", res.Resumed, status(t, s, ids[0]))
	}
}

// flakyResumeStore fails ResumeCreditPaused for one project.
type flakyResumeStore struct {
	*store.Store
	failID int64
}

func (f flakyResumeStore) ResumeCreditPaused(ctx context.Context, id int64, limit int) (bool, error) {
	if id == f.failID {
		return false, errors.New("database disk image is malformed")
	}
	return f.Store.ResumeCreditPaused(ctx, id, limit)
}

func TestSweepResumeContinuesPastFailingRow(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	var logs strings.Builder
	setup := queue.New(s, nil, nil, nil, queue.Config{MaxConcurrent: 3}, nil)
	_, ids := submit(t, setup, "/specs/a.md", "/specs/b.md", "/specs/c.md")
	for range ids {
		if p, err := setup.Next(ctx); err != nil || p == nil {
			t.Fatalf("Next = %v, %v", p, err)
		}
	}
	for _, id := range ids {
		if err := setup.Pause(ctx, id, "credits exhausted"); err != nil {
			t.Fatal(err)
		}
	}

	q := queue.New(flakyResumeStore{Store: s, failID: ids[0]}, nil, nil, nil,
		queue.Config{MaxConcurrent: 3}, log.New(&logs, "", 0))
	res, err := q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Resumed) != 2 {
		t.Fatalf("resumed = %v, want the two healthy rows", res.Resumed)
	}
	if status(t, s, ids[0]) != protocol.StatusCreditPaused {
		t.Errorf("failing row status = %s, want credit_paused", status(t, s, ids[0]))
	}
	for _, id := range ids[1:] {
		if got := status(t, s, id); got != protocol.StatusProcessing {
			t.Errorf("project %d status = %s, want processing", id, got)
		}
	}
	if !strings.Contains(logs.String(), "resume credit-paused project failed") {
		t.Errorf("failure not logged:\n%s", logs.String())
	}
}

func TestCheckBatchEmitsSpan(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp, shutdown, err := telemetry.NewTracerProviderWithExporter(exp, telemetry.Config{ServiceName: "foreman-test"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := newStore(t)
	q := queue.New(s, nil, nil, nil, queue.Config{MaxRetries: 3, BatchMonitoring: true}, nil)
	q.SetTracer(tp.Tracer("test"))
	batch, ids := submit(t, q, "/specs/a.md")
	fail(t, s, ids[0])
	if _, err := q.CheckBatchCompletion(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "queue.check_batch" {
		t.Fatalf("spans = %v", spans)
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if string(kv.Key) == "batch.retried" && kv.Value.AsInt64() == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v", spans[0].Attributes)
	}
}

type fakeRunner struct {
	out  string
	args []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.args = append([]string{name}, args...)
	return []byte(f.out), nil
}

func TestCommandResearcher(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	enhanced := filepath.Join(dir, "a.v2.md")
	if err := os.WriteFile(enhanced, []byte("# spec"), 0o600); err != nil {
		t.Fatal(err)
	}
	run := &fakeRunner{out: "researching...\nwrote " + "\n" + enhanced + "\n"}
	r := &queue.CommandResearcher{Runner: run, Command: []string{"research-spec", "--deep"}}

	got, err := r.Enhance(context.Background(), "/specs/a.md", "tests failing")
	if err != nil {
		t.Fatal(err)
	}
	if got != enhanced {
		t.Errorf("Enhance = %q, want %q", got, enhanced)
	}
	want := []string{"research-spec", "--deep", "/specs/a.md", "tests failing"}
	if strings.Join(run.args, "|") != strings.Join(want, "|") {
		t.Errorf("args = %v, want %v", run.args, want)
	}

	run.out = filepath.Join(dir, "missing.md")
	if _, err := r.Enhance(context.Background(), "/specs/a.md", "x"); err == nil {
		t.Error("expected error for a spec path that does not exist")
	}
}
