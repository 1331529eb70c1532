package cycle

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/role"
)

// sinceRemedy returns the events recorded after the most recent remedy of
// kind for (session, agentRole). An empty agentRole selects session-scoped
// remedies.
func sinceRemedy(events []eventlog.SchedulingEvent, kind Kind, session, agentRole string) []eventlog.SchedulingEvent {
	start := 0
	for i, ev := range events {
		if ev.Type == protocol.EventCycleRemedy && ev.Note == string(kind) &&
			ev.Session == session && ev.Role == agentRole {
			start = i + 1
		}
	}
	return events[start:]
}

func isScheduling(t protocol.SchedulingEventType) bool {
	switch t {
	case protocol.EventScheduled, protocol.EventRescheduled, protocol.EventEmergencyScheduled:
		return true
	}
	return false
}

func detectRapid(events []eventlog.SchedulingEvent, trigger eventlog.SchedulingEvent, now time.Time, cfg Config) (Cycle, bool) {
	if trigger.Type != protocol.EventRescheduled {
		return Cycle{}, false
	}
	cutoff := now.Add(-cfg.RapidWindow)
	n := 0
	for _, ev := range sinceRemedy(events, KindRapidReschedule, trigger.Session, trigger.Role) {
		if ev.Type == protocol.EventRescheduled && ev.AgentKey() == trigger.AgentKey() && !ev.Timestamp.Before(cutoff) {
			n++
		}
	}
	if n < cfg.RapidCount {
		return Cycle{}, false
	}
	return Cycle{
		Kind:    KindRapidReschedule,
		Session: trigger.Session,
		Agents:  []string{trigger.Role},
		Count:   n,
		Remedy:  RemedyCancelTasks,
		Summary: fmt.Sprintf("%s rescheduled %d times within %s", trigger.Role, n, cfg.RapidWindow),
	}, true
}

func detectFixedInterval(events []eventlog.SchedulingEvent, trigger eventlog.SchedulingEvent, cfg Config) (Cycle, bool) {
	if trigger.IntervalMinutes <= 0 || !isScheduling(trigger.Type) {
		return Cycle{}, false
	}
	n := 0
	for _, ev := range sinceRemedy(events, KindFixedInterval, trigger.Session, trigger.Role) {
		if isScheduling(ev.Type) && ev.AgentKey() == trigger.AgentKey() && ev.IntervalMinutes == trigger.IntervalMinutes {
			n++
		}
	}
	if n < cfg.FixedCount {
		return Cycle{}, false
	}
	return Cycle{
		Kind:     KindFixedInterval,
		Session:  trigger.Session,
		Agents:   []string{trigger.Role},
		Interval: trigger.IntervalMinutes,
		Count:    n,
		Remedy:   RemedyPerturbInterval,
		Summary:  fmt.Sprintf("%s scheduled %d times at a fixed %d minute interval", trigger.Role, n, trigger.IntervalMinutes),
	}, true
}

func detectEmergency(events []eventlog.SchedulingEvent, trigger eventlog.SchedulingEvent, cfg Config) (Cycle, bool) {
	if trigger.Type != protocol.EventEmergencyScheduled && trigger.Type != protocol.EventRecovery {
		return Cycle{}, false
	}
	var emergencies, recoveries int
	var agents []string
	for _, ev := range sinceRemedy(events, KindEmergencyRecovery, trigger.Session, "") {
		if ev.Session != trigger.Session {
			continue
		}
		switch ev.Type {
		case protocol.EventEmergencyScheduled:
			emergencies++
			agents = appendUnique(agents, ev.Role)
		case protocol.EventRecovery:
			recoveries++
		}
	}
	if emergencies < cfg.EmergencyMinCount || float64(emergencies) <= cfg.EmergencyRatio*float64(recoveries) {
		return Cycle{}, false
	}
	sort.Strings(agents)
	return Cycle{
		Kind:    KindEmergencyRecovery,
		Session: trigger.Session,
		Agents:  agents,
		Count:   emergencies,
		Remedy:  RemedyEscalate,
		Summary: fmt.Sprintf("%d emergency check-ins against %d recoveries", emergencies, recoveries),
	}, true
}

var waitingRe = regexp.MustCompile(`(?i)\bwaiting\s+(?:for|on)\s+(?:the\s+)?([a-z][a-z_\- ]*)`)

// WaitingFor extracts the role a free-text note says its author waits on.
func WaitingFor(note string) (string, bool) {
	m := waitingRe.FindStringSubmatch(note)
	if m == nil {
		return "", false
	}
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(m[1]))
	for _, r := range role.All() {
		if strings.HasPrefix(norm, string(r)) {
			return string(r), true
		}
	}
	return "", false
}

// noteGraph builds wait-for edges from the latest note each role in session
// scheduled.
func noteGraph(events []eventlog.SchedulingEvent, session string) map[string][]string {
	latest := make(map[string]string)
	for _, ev := range events {
		if ev.Session != session || ev.Type == protocol.EventCycleRemedy || ev.Role == "" {
			continue
		}
		latest[ev.Role] = ev.Note
	}
	g := make(map[string][]string)
	for from, note := range latest {
		if to, ok := WaitingFor(note); ok && to != from {
			g[from] = append(g[from], to)
		}
	}
	return g
}

// FindCycle returns one cycle in g as a closed path (first node repeated at
// the end), or nil if g is acyclic. Traversal order is sorted, so the result
// is deterministic.
func FindCycle(g map[string][]string) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // finished
	)

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		next := append([]string(nil), g[node]...)
		sort.Strings(next)
		for _, dep := range next {
			if color[dep] == gray {
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if color[n] == white && dfs(n) {
			return path
		}
	}
	return nil
}
