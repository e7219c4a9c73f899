// Package joiner decides at the end of each round whether a workflow is
// finished or needs another planning round.
package joiner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/graph"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

const (
	// DefaultMaxIterations is the round budget when none is configured.
	DefaultMaxIterations = 10
	// DefaultCompletionThreshold is the heuristic goal-completion score at
	// which the fallback decision completes.
	DefaultCompletionThreshold = 0.8

	lowSuccessRate   = 0.2
	historyInPrompt  = 3
	maxOutputPreview = 500
	genericFeedback  = "Previous round was inconclusive. Gather the information still missing for the objective and retry failed steps with alternative tools or inputs."
)

// ErrUnparsableDecision indicates the model output named neither verdict.
var ErrUnparsableDecision = errors.New("no decision in model output")

// DecisionError reports a failed model decision. The joiner never returns
// it to callers; it falls back to the default decision instead.
type DecisionError struct {
	Err      error
	Response string
}

func (e *DecisionError) Error() string {
	return "joiner decision failed: " + e.Err.Error()
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// Round is everything the joiner sees about one finished round.
type Round struct {
	Objective string
	Plan      *models.TaskGraph
	// Results are the results produced during this round.
	Results []models.TaskExecutionResult
	Number  int
	Stats   models.ExecutionStats
	// Stalled lists Waiting tasks blocked behind a failed dependency.
	Stalled []string
}

// Record is one entry of the decision history.
type Record struct {
	Round      int
	Kind       models.DecisionKind
	Reasoning  string
	Confidence float64
	Completed  int
	Failed     int
	DecidedAt  time.Time
}

// Config holds the joiner limits.
type Config struct {
	MaxIterations       int
	CompletionThreshold float64
}

// Joiner produces Complete/Continue verdicts and keeps a decision history.
type Joiner struct {
	llm     llm.Completer
	prompts prompts.Lookup
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	history  []Record
	findings []string
}

// Option configures a Joiner.
type Option func(*Joiner)

// WithPromptLookup sets where replan templates are looked up.
func WithPromptLookup(l prompts.Lookup) Option {
	return func(j *Joiner) { j.prompts = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *Joiner) { j.logger = logging.OrNop(l) }
}

// New creates a joiner. Zero config values take the defaults.
func New(completer llm.Completer, cfg Config, opts ...Option) *Joiner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.CompletionThreshold <= 0 {
		cfg.CompletionThreshold = DefaultCompletionThreshold
	}
	j := &Joiner{
		llm:    completer,
		cfg:    cfg,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// AnalyzeAndDecide returns the verdict for a finished round. It never fails:
// model errors fall back to a deterministic decision.
func (j *Joiner) AnalyzeAndDecide(ctx context.Context, r Round) models.JoinerDecision {
	j.mu.Lock()
	j.findings = append(j.findings, ExtractKeyFindings(r.Results)...)
	j.mu.Unlock()

	decision := j.decide(ctx, r)

	completed, failed := countResults(r.Results)
	j.mu.Lock()
	j.history = append(j.history, Record{
		Round:      r.Number,
		Kind:       decision.Kind,
		Reasoning:  decision.Reasoning,
		Confidence: decision.Confidence,
		Completed:  completed,
		Failed:     failed,
		DecidedAt:  j.now(),
	})
	j.mu.Unlock()

	j.logger.Info("joiner decision",
		zap.Int("round", r.Number),
		zap.String("decision", string(decision.Kind)),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reasoning", decision.Reasoning),
	)
	return decision
}

func (j *Joiner) decide(ctx context.Context, r Round) models.JoinerDecision {
	if r.Number >= j.cfg.MaxIterations {
		return models.Complete("", fmt.Sprintf("round budget of %d exhausted", j.cfg.MaxIterations), 1.0)
	}
	if len(r.Results) == 0 && r.Stats.Ready == 0 && r.Stats.Executing == 0 {
		return models.Complete("", "no runnable tasks remain and this round produced no results", 0.9)
	}

	decision, err := j.askModel(ctx, r)
	if err != nil {
		j.logger.Warn("falling back to default decision", zap.Int("round", r.Number), zap.Error(err))
		return j.DefaultDecision(r)
	}
	return decision
}

func (j *Joiner) askModel(ctx context.Context, r Round) (models.JoinerDecision, error) {
	if j.llm == nil {
		return models.JoinerDecision{}, &DecisionError{Err: errors.New("no model configured")}
	}
	response, err := j.llm.Complete(ctx, systemPrompt, j.buildPrompt(ctx, r))
	if err != nil {
		return models.JoinerDecision{}, &DecisionError{Err: err}
	}
	return ParseDecision(response)
}

// DefaultDecision is the verdict used when the model cannot decide.
func (j *Joiner) DefaultDecision(r Round) models.JoinerDecision {
	completed, _ := countResults(r.Results)
	rate := 0.0
	if len(r.Results) > 0 {
		rate = float64(completed) / float64(len(r.Results))
	}

	switch {
	case r.Number >= j.cfg.MaxIterations:
		return models.Complete("", fmt.Sprintf("default: round budget of %d exhausted", j.cfg.MaxIterations), 0.6)
	case len(r.Results) > 0 && rate < lowSuccessRate:
		return models.Complete("", fmt.Sprintf("default: success rate %.2f too low to continue", rate), 0.6)
	}

	if score := GoalCompletion(r.Results); score >= j.cfg.CompletionThreshold {
		return models.Complete("", fmt.Sprintf("default: goal completion %.2f reached threshold", score), 0.6)
	}
	return models.Continue(genericFeedback, fmt.Sprintf("default: continuing at success rate %.2f", rate), 0.6)
}

// History returns a copy of the decision history.
func (j *Joiner) History() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.history...)
}

// KeyFindings returns findings accumulated across rounds.
func (j *Joiner) KeyFindings() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.findings...)
}

// Reset clears the decision history and findings.
func (j *Joiner) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.history = nil
	j.findings = nil
}

func (j *Joiner) buildPrompt(ctx context.Context, r Round) string {
	template := prompts.Resolve(ctx, j.prompts, j.logger, prompts.ArchLLMCompiler, prompts.StageReplan, defaultReplanPrompt)
	return prompts.Apply(template, map[string]string{
		"USER_QUERY":        r.Objective,
		"ORIGINAL_QUERY":    r.Objective,
		"ROUND":             strconv.Itoa(r.Number),
		"MAX_ROUNDS":        strconv.Itoa(j.cfg.MaxIterations),
		"PLAN_SUMMARY":      formatPlan(r.Plan),
		"EXECUTION_SUMMARY": formatExecution(r),
		"DECISION_HISTORY":  j.formatHistory(),
	})
}

func (j *Joiner) formatHistory() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.history) == 0 {
		return "(none)"
	}
	start := max(0, len(j.history)-historyInPrompt)
	var sb strings.Builder
	for _, rec := range j.history[start:] {
		fmt.Fprintf(&sb, "- round %d: %s (confidence %.2f, %d completed, %d failed): %s\n",
			rec.Round, strings.ToUpper(string(rec.Kind)), rec.Confidence, rec.Completed, rec.Failed, rec.Reasoning)
	}
	return sb.String()
}

func formatPlan(plan *models.TaskGraph) string {
	if plan == nil || len(plan.Nodes) == 0 {
		return "(empty plan)"
	}
	var sb strings.Builder
	for _, n := range graph.OrderNodes(plan) {
		fmt.Fprintf(&sb, "- %s [%s] %s", n.ID, n.ToolName, n.Name)
		if len(n.Dependencies) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(n.Dependencies, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatExecution(r Round) string {
	var sb strings.Builder
	completed, failed := countResults(r.Results)
	fmt.Fprintf(&sb, "%d tasks run this round: %d completed, %d failed.\n", len(r.Results), completed, failed)
	for _, res := range r.Results {
		if res.Succeeded() {
			out, _ := json.Marshal(res.Outputs)
			fmt.Fprintf(&sb, "- %s: completed in %v, outputs %s\n", res.TaskID, res.Duration.Round(time.Millisecond), truncate(string(out), maxOutputPreview))
		} else {
			fmt.Fprintf(&sb, "- %s: failed: %s\n", res.TaskID, res.Error)
		}
	}
	if len(r.Stalled) > 0 {
		fmt.Fprintf(&sb, "Blocked by failed dependencies (will not run this round): %s\n", strings.Join(r.Stalled, ", "))
	}
	return sb.String()
}

var (
	completeWord = regexp.MustCompile(`\bCOMPLETE\b`)
	continueWord = regexp.MustCompile(`\bCONTINUE\b`)
)

// decisionResponse is the JSON shape the model is asked to return.
type decisionResponse struct {
	Decision   string   `json:"decision"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence"`
	Feedback   string   `json:"feedback"`
	Answer     string   `json:"answer"`
}

// ParseDecision reads a verdict from model output: JSON first, then the
// COMPLETE/CONTINUE keywords. Failures are *DecisionError.
func ParseDecision(response string) (models.JoinerDecision, error) {
	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start != -1 && end > start {
		var dr decisionResponse
		if err := json.Unmarshal([]byte(response[start:end+1]), &dr); err == nil && dr.Decision != "" {
			confidence := 0.8
			if dr.Confidence != nil {
				confidence = clamp(*dr.Confidence)
			}
			switch strings.ToUpper(strings.TrimSpace(dr.Decision)) {
			case "COMPLETE":
				return models.Complete(dr.Answer, dr.Reasoning, confidence), nil
			case "CONTINUE":
				feedback := dr.Feedback
				if feedback == "" {
					feedback = dr.Reasoning
				}
				if feedback == "" {
					feedback = genericFeedback
				}
				return models.Continue(feedback, dr.Reasoning, confidence), nil
			default:
				return models.JoinerDecision{}, &DecisionError{
					Err:      fmt.Errorf("%w: unknown decision %q", ErrUnparsableDecision, dr.Decision),
					Response: response,
				}
			}
		}
	}

	upper := strings.ToUpper(response)
	complete := completeWord.FindStringIndex(upper)
	cont := continueWord.FindStringIndex(upper)
	switch {
	case complete != nil && (cont == nil || complete[0] < cont[0]):
		return models.Complete("", truncate(strings.TrimSpace(response), maxOutputPreview), 0.7), nil
	case cont != nil:
		return models.Continue(genericFeedback, truncate(strings.TrimSpace(response), maxOutputPreview), 0.7), nil
	}
	return models.JoinerDecision{}, &DecisionError{Err: ErrUnparsableDecision, Response: response}
}

// findingKeys are the output fields treated as security findings.
var findingKeys = []string{"vulnerabilities", "open_ports", "subdomains", "findings"}

// ExtractKeyFindings summarizes notable outputs of completed tasks.
func ExtractKeyFindings(results []models.TaskExecutionResult) []string {
	var findings []string
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, key := range findingKeys {
			items, ok := r.Outputs[key].([]any)
			if !ok || len(items) == 0 {
				continue
			}
			label := strings.ReplaceAll(key, "_", " ")
			switch key {
			case "open_ports", "subdomains":
				findings = append(findings, fmt.Sprintf("%s: %d %s (%s)", r.TaskID, len(items), label, joinItems(items, 10)))
			default:
				findings = append(findings, fmt.Sprintf("%s: %d %s", r.TaskID, len(items), label))
			}
		}
	}
	return findings
}

// GoalCompletion is the share of completed tasks whose outputs carry
// findings. Zero when nothing completed.
func GoalCompletion(results []models.TaskExecutionResult) float64 {
	completed, withFindings := 0, 0
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		completed++
		for _, key := range findingKeys {
			if items, ok := r.Outputs[key].([]any); ok && len(items) > 0 {
				withFindings++
				break
			}
		}
	}
	if completed == 0 {
		return 0
	}
	return float64(withFindings) / float64(completed)
}

func countResults(results []models.TaskExecutionResult) (completed, failed int) {
	for _, r := range results {
		if r.Succeeded() {
			completed++
		} else {
			failed++
		}
	}
	return completed, failed
}

func joinItems(items []any, limit int) string {
	parts := make([]string, 0, min(len(items), limit))
	for i, item := range items {
		if i == limit {
			parts = append(parts, "...")
			break
		}
		if f, ok := item.(float64); ok && f == float64(int64(f)) {
			parts = append(parts, strconv.FormatInt(int64(f), 10))
			continue
		}
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clamp(f float64) float64 {
	return max(0, min(1, f))
}
