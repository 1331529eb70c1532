package completion

import (
	"math"
	"regexp"
	"strings"

	"foreman/pkg/config"
)

// Score is the outcome of free-text analysis.
type Score struct {
	Confidence    float64
	StatusReport  bool
	ActiveWork    int
	SeriousErrors int
	Indicators    []string
}

// Scorer turns terminal scrollback into a completion confidence.
type Scorer interface {
	Score(text string) Score
}

var (
	completionPhrase = regexp.MustCompile(`(?i)\b(?:project (?:has been )?completed successfully|project (?:is )?(?:now )?complete\b|implementation (?:is )?(?:now )?complete\b|successfully completed the project)`)
	allTasksDone     = regexp.MustCompile(`(?i)\ball (?:tasks|phases|features|requirements|milestones) (?:are |have been )?(?:done|complete|completed|implemented|finished)\b`)
	decommission     = regexp.MustCompile(`(?i)\b(?:decommission(?:ing|ed)?|shutting down the team|wrapping up the project|ready for (?:handoff|hand-off|shutdown))\b`)
	activeWork       = regexp.MustCompile(`(?i)\b(?:currently (?:working|implementing|fixing)|working on|in progress|still (?:need to|working)|next,? i(?:'ll| will)|let me (?:now )?(?:implement|fix|add|write))\b`)
	statusContext    = regexp.MustCompile(`(?i)\b(?:status report|progress report|status update|checklist)\b|^\s*(?:#+\s*)?status:`)
	seriousError     = regexp.MustCompile(`(?i)\b(?:traceback \(most recent call last\)|assertionerror|assertion failed|unhandled (?:exception|rejection|promise)|panic:|segmentation fault|fatal error)`)
	benignError      = regexp.MustCompile(`(?i)\b(?:retry|retrying|will retry|no errors|0 errors|errors? fixed|error handling|expected error)\b`)
)

var (
	positiveEmoji = []string{"✅", "🎉", "✔"}
	negativeEmoji = []string{"❌", "🚫", "⛔"}
)

// TextScorer is the weighted indicator scorer.
type TextScorer struct {
	Weights         config.Weights
	SeriousErrorMin int
	// VolumeLines is the scrollback length that earns the volume bonus.
	VolumeLines int
}

// NewTextScorer returns a scorer configured from c.
func NewTextScorer(c config.Config) *TextScorer {
	return &TextScorer{Weights: c.Weights, SeriousErrorMin: c.SeriousErrorMin, VolumeLines: 1000}
}

// Score implements Scorer. Negative emoji on a status-report line are
// neutral, and error lines only count when they carry a serious token and
// no retry or summary context.
func (s *TextScorer) Score(text string) Score {
	w := s.Weights
	minErrors := s.SeriousErrorMin
	if minErrors <= 0 {
		minErrors = 5
	}
	volume := s.VolumeLines
	if volume <= 0 {
		volume = 1000
	}

	sc := Score{}
	c := w.Baseline
	add := func(name string, delta float64) {
		c += delta
		sc.Indicators = append(sc.Indicators, name)
	}

	if completionPhrase.MatchString(text) {
		add("completion_phrase", w.CompletionPhrase)
	}
	if allTasksDone.MatchString(text) {
		add("all_tasks_done", w.AllTasksDone)
	}
	if decommission.MatchString(text) {
		add("decommission", w.Decommission)
	}
	sc.ActiveWork = len(activeWork.FindAllStringIndex(text, -1))
	if sc.ActiveWork == 0 {
		add("no_active_work", w.NoActiveWork)
	} else {
		add("active_work", -w.ActiveWorkPerHit*float64(sc.ActiveWork))
	}

	lines := strings.Split(text, "\n")
	var pos, neg int
	for _, line := range lines {
		status := statusContext.MatchString(line)
		if status {
			sc.StatusReport = true
		}
		if containsAny(line, positiveEmoji) {
			pos++
		}
		if containsAny(line, negativeEmoji) && !status {
			neg++
		}
		if seriousError.MatchString(line) && !benignError.MatchString(line) && !status {
			sc.SeriousErrors++
		}
	}
	if pos > 0 {
		add("positive_emoji", w.PositiveEmoji*float64(min(pos, 3)))
	}
	if neg > 0 {
		add("negative_emoji", -w.NegativeEmoji*float64(min(neg, 3)))
	}
	if len(lines) >= volume {
		add("volume", w.VolumeBonus)
	}
	if sc.SeriousErrors >= minErrors {
		add("serious_errors", -w.ErrorPenalty)
	}

	sc.Confidence = clamp(math.Round(c*1000) / 1000)
	return sc
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
