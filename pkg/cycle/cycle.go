// Package cycle watches the scheduling event stream for coordination loops
// (agents rescheduling each other without making progress) and applies a
// breaking remedy as soon as one is recognised.
//
// Detection is event sourced: every applied remedy is itself appended to the
// scheduling log as a cycle_remedy event, and detectors only count events
// recorded after the most recent remedy of the same kind for the same agent.
// A remedy therefore fires once per cycle, including across daemon restarts
// that replay the on-disk log.
package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

// Kind names a recognised cycle pattern.
type Kind string

// Cycle kinds.
const (
	KindRapidReschedule   Kind = "rapid_reschedule_cycle"
	KindFixedInterval     Kind = "fixed_interval_cycle"
	KindEmergencyRecovery Kind = "emergency_recovery_cycle"
	KindDependency        Kind = "dependency_cycle"
)

// Remedy names the action taken to break a cycle.
type Remedy string

// Remedies.
const (
	RemedyCancelTasks       Remedy = "cancel_pending_tasks"
	RemedyPerturbInterval   Remedy = "perturb_interval"
	RemedyEscalate          Remedy = "escalate"
	RemedyClearDependencies Remedy = "clear_dependencies"
)

// EventType is the store event type written for every remedy outcome.
const EventType = "cycle_remedy"

// Cycle describes one detected pattern.
type Cycle struct {
	Kind     Kind     `json:"kind"`
	Session  string   `json:"session"`
	Agents   []string `json:"agents"`
	Interval int      `json:"interval_minutes,omitempty"`
	Count    int      `json:"count"`
	Path     []string `json:"path,omitempty"`
	Remedy   Remedy   `json:"remedy"`
	Summary  string   `json:"summary"`
}

// Outcome is the result of applying a cycle's remedy.
type Outcome struct {
	Cycle   Cycle  `json:"cycle"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TaskStore is the slice of the persistent store remedies act on.
type TaskStore interface {
	PendingTasks(ctx context.Context, session, agentRole string) ([]protocol.ScheduledTask, error)
	DeleteTasksForAgent(ctx context.Context, session, agentRole string) (int64, error)
	UpdateTask(ctx context.Context, t protocol.ScheduledTask) (bool, error)
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// DependencyGraph exposes agent wait-for edges recorded in session state.
type DependencyGraph interface {
	WaitGraph(ctx context.Context, session string) (map[string][]string, error)
	ClearWaits(ctx context.Context, session string, roles []string) error
}

// Escalator raises an issue to a human operator.
type Escalator interface {
	Escalate(ctx context.Context, session, details string, agents []string) error
}

// Config holds detector thresholds.
type Config struct {
	Window            time.Duration
	RapidCount        int
	RapidWindow       time.Duration
	FixedCount        int
	EmergencyMinCount int
	EmergencyRatio    float64
	MaxPerturbMinutes int
}

// FromConfig extracts detector thresholds from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		Window:            c.CycleWindow,
		RapidCount:        c.RapidCount,
		RapidWindow:       c.RapidWindow,
		FixedCount:        c.FixedCount,
		EmergencyMinCount: c.EmergencyMinCount,
		EmergencyRatio:    c.EmergencyRatio,
		MaxPerturbMinutes: 3,
	}
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = protocol.DefaultCycleWindow
	}
	if c.RapidCount <= 0 {
		c.RapidCount = 10
	}
	if c.RapidWindow <= 0 {
		c.RapidWindow = 15 * time.Minute
	}
	if c.FixedCount <= 0 {
		c.FixedCount = 5
	}
	if c.EmergencyMinCount <= 0 {
		c.EmergencyMinCount = 3
	}
	if c.EmergencyRatio <= 0 {
		c.EmergencyRatio = 2
	}
	if c.MaxPerturbMinutes <= 0 {
		c.MaxPerturbMinutes = 3
	}
	return c
}

// Detector records scheduling events and breaks cycles synchronously.
type Detector struct {
	mu      sync.Mutex
	log     *eventlog.SchedulingLog
	tasks   TaskStore
	deps    DependencyGraph
	esc     Escalator
	cfg     Config
	logger  *log.Logger
	nowFunc func() time.Time
	intn    func(n int) int
}

// New returns a Detector. deps and esc may be nil, which disables
// dependency detection and escalation respectively.
func New(schedLog *eventlog.SchedulingLog, tasks TaskStore, deps DependencyGraph, esc Escalator, cfg Config, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Detector{
		log:     schedLog,
		tasks:   tasks,
		deps:    deps,
		esc:     esc,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		nowFunc: time.Now,
		intn:    rand.IntN,
	}
}

// SetClock overrides the time source. Intended for tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.nowFunc = now
	d.log.SetClock(now)
}

// SetRand overrides the random source used for interval perturbation.
func (d *Detector) SetRand(intn func(n int) int) { d.intn = intn }

// Record appends ev to the scheduling log, runs every detector against the
// agent and session it belongs to and applies the remedy of each cycle found
// before returning. The caller's next scheduling decision therefore always
// sees the post-remedy state.
func (d *Detector) Record(ctx context.Context, ev eventlog.SchedulingEvent) []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.log.Append(ev)
	if err != nil {
		d.logger.Printf("level=warn msg=\"scheduling event not persisted\" session=%s role=%s err=%q", ev.Session, ev.Role, err)
	}
	if stored.Type == protocol.EventCycleRemedy {
		return nil
	}

	events := d.log.Since(d.nowFunc().Add(-d.cfg.Window))
	var outcomes []Outcome
	for _, c := range d.detect(ctx, events, stored) {
		out := d.apply(ctx, c)
		d.markRemedied(ctx, stored, out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (d *Detector) detect(ctx context.Context, events []eventlog.SchedulingEvent, trigger eventlog.SchedulingEvent) []Cycle {
	now := d.nowFunc()
	var found []Cycle
	if c, ok := detectRapid(events, trigger, now, d.cfg); ok {
		found = append(found, c)
	}
	if c, ok := detectFixedInterval(events, trigger, d.cfg); ok {
		found = append(found, c)
	}
	if c, ok := detectEmergency(events, trigger, d.cfg); ok {
		found = append(found, c)
	}
	if c, ok := d.detectDependency(ctx, events, trigger); ok {
		found = append(found, c)
	}
	return found
}

func (d *Detector) detectDependency(ctx context.Context, events []eventlog.SchedulingEvent, trigger eventlog.SchedulingEvent) (Cycle, bool) {
	graph := noteGraph(sinceRemedy(events, KindDependency, trigger.Session, ""), trigger.Session)
	if d.deps != nil {
		stateGraph, err := d.deps.WaitGraph(ctx, trigger.Session)
		if err != nil {
			d.logger.Printf("level=warn msg=\"wait graph unavailable\" session=%s err=%q", trigger.Session, err)
		}
		for from, tos := range stateGraph {
			graph[from] = appendUnique(graph[from], tos...)
		}
	}
	path := FindCycle(graph)
	if len(path) == 0 {
		return Cycle{}, false
	}
	agents := uniqueSorted(path)
	return Cycle{
		Kind:    KindDependency,
		Session: trigger.Session,
		Agents:  agents,
		Count:   len(agents),
		Path:    path,
		Remedy:  RemedyClearDependencies,
		Summary: "agents wait on each other: " + strings.Join(path, " -> "),
	}, true
}

func (d *Detector) apply(ctx context.Context, c Cycle) Outcome {
	out := Outcome{Cycle: c}
	var err error
	switch c.Remedy {
	case RemedyCancelTasks:
		var n int64
		n, err = d.tasks.DeleteTasksForAgent(ctx, c.Session, c.Agents[0])
		out.Message = fmt.Sprintf("cancelled %d pending task(s) for %s", n, c.Agents[0])
	case RemedyPerturbInterval:
		out.Message, err = d.perturb(ctx, c)
	case RemedyEscalate:
		if d.esc == nil {
			err = fmt.Errorf("no escalation channel configured")
			break
		}
		err = d.esc.Escalate(ctx, c.Session, c.Summary, c.Agents)
		out.Message = "escalated to operator"
	case RemedyClearDependencies:
		if d.deps != nil {
			err = d.deps.ClearWaits(ctx, c.Session, c.Agents)
		}
		out.Message = "cleared waits for " + strings.Join(c.Agents, ", ")
	default:
		err = fmt.Errorf("unknown remedy %q", c.Remedy)
	}
	if err != nil {
		out.Message = err.Error()
		d.logger.Printf("level=error msg=\"cycle remedy failed\" kind=%s session=%s remedy=%s err=%q", c.Kind, c.Session, c.Remedy, err)
		return out
	}
	out.Success = true
	d.logger.Printf("level=warn msg=\"cycle broken\" kind=%s session=%s agents=%s remedy=%s detail=%q",
		c.Kind, c.Session, strings.Join(c.Agents, ","), c.Remedy, out.Message)
	return out
}

// perturb shifts the interval of the agent's pending tasks by a random
// nonzero number of minutes, never below one minute.
func (d *Detector) perturb(ctx context.Context, c Cycle) (string, error) {
	tasks, err := d.tasks.PendingTasks(ctx, c.Session, c.Agents[0])
	if err != nil {
		return "", err
	}
	now := d.nowFunc().UTC()
	var changed []string
	for _, t := range tasks {
		if c.Interval > 0 && t.IntervalMinutes != c.Interval {
			continue
		}
		delta := d.delta()
		next := t.IntervalMinutes + delta
		if next < 1 {
			next = t.IntervalMinutes - delta
		}
		old := t.IntervalMinutes
		t.IntervalMinutes = next
		t.NextRun = t.NextRun.Add(time.Duration(next-old) * time.Minute)
		if t.NextRun.Before(now) {
			t.NextRun = now
		}
		if _, err := d.tasks.UpdateTask(ctx, t); err != nil {
			return "", err
		}
		changed = append(changed, fmt.Sprintf("task %d %dm->%dm", t.ID, old, next))
	}
	if len(changed) == 0 {
		return "no pending task to perturb", nil
	}
	return "perturbed " + strings.Join(changed, ", "), nil
}

// delta returns a nonzero value in [-max, max].
func (d *Detector) delta() int {
	m := d.cfg.MaxPerturbMinutes
	v := d.intn(2*m) + 1
	if v <= m {
		return -v
	}
	return v - m
}

// markRemedied appends the cycle_remedy marker that resets the detector's
// counters and writes the outcome to the store's event table.
func (d *Detector) markRemedied(ctx context.Context, trigger eventlog.SchedulingEvent, out Outcome) {
	roleKey := ""
	if agentScoped(out.Cycle.Kind) {
		roleKey = out.Cycle.Agents[0]
	}
	marker := eventlog.SchedulingEvent{
		Session:         out.Cycle.Session,
		Role:            roleKey,
		Window:          trigger.Window,
		Type:            protocol.EventCycleRemedy,
		IntervalMinutes: out.Cycle.Interval,
		Note:            string(out.Cycle.Kind),
		CauseID:         trigger.ID,
	}
	if _, err := d.log.Append(marker); err != nil {
		d.logger.Printf("level=warn msg=\"cycle remedy marker not persisted\" session=%s err=%q", marker.Session, err)
	}
	payload, _ := json.Marshal(out)
	if err := d.tasks.LogEvent(ctx, EventType, "cycle", out.Cycle.Session, roleKey, string(payload)); err != nil {
		d.logger.Printf("level=warn msg=\"cycle remedy event not stored\" session=%s err=%q", out.Cycle.Session, err)
	}
}

// Stats summarises remedies in the analysis window.
type Stats struct {
	Events   int          `json:"events"`
	Remedies map[Kind]int `json:"remedies"`
	Last     time.Time    `json:"last_remedy,omitempty"`
}

// Stats returns remedy counts within the analysis window for session, or for
// every session when session is empty.
func (d *Detector) Stats(session string) Stats {
	st := Stats{Remedies: make(map[Kind]int)}
	for _, ev := range d.log.Since(d.nowFunc().Add(-d.cfg.Window)) {
		if session != "" && ev.Session != session {
			continue
		}
		st.Events++
		if ev.Type == protocol.EventCycleRemedy {
			st.Remedies[Kind(ev.Note)]++
			if ev.Timestamp.After(st.Last) {
				st.Last = ev.Timestamp
			}
		}
	}
	return st
}

func agentScoped(k Kind) bool {
	return k == KindRapidReschedule || k == KindFixedInterval
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		dup := false
		for _, e := range dst {
			if e == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}

func uniqueSorted(vals []string) []string {
	out := appendUnique(nil, vals...)
	sort.Strings(out)
	return out
}
