// Package mock provides offline completers: a deterministic one that answers
// the ledger's prompts well enough to exercise the pipeline, and a scripted
// one for tests.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

type LLMClient struct{}

func NewLLMClient() *LLMClient {
	return &LLMClient{}
}

var (
	segmentPrompt = regexp.MustCompile(`^List the following food item\(s\) in CSV format \(name,estimatedCalories,quantity,unit\): "(.*)"\.`)
	mentionLine   = regexp.MustCompile(`(?m)^- (.+?)(?: \(([^)]*)\))?(?:, about ([0-9.]+) kcal)?: (?:candidates ([0-9, ]+)|no candidates)$`)
	leadingQty    = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s+(.*)$`)
	splitter      = regexp.MustCompile(`\s*(?:,|\band\b|\bwith\b|\+)\s*`)
)

// Complete is deterministic. A segmentation prompt is split on conjunctions
// and commas; a resolution prompt matches every mention to its first candidate or
// invents a 100 kcal food when there is none. Real models may not be so kind.
func (m *LLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	slog.Info("LLM_CLIENT: Invoked", "provider", "mock", "prompt_len", len(prompt))

	if sm := segmentPrompt.FindStringSubmatch(prompt); sm != nil {
		return segment(sm[1]), nil
	}

	type element struct {
		MatchID    *int           `json:"match_id,omitempty"`
		Multiplier float64        `json:"multiplier"`
		NewFood    map[string]any `json:"new_food,omitempty"`
	}

	var out []element
	for _, mm := range mentionLine.FindAllStringSubmatch(prompt, -1) {
		name, qty, est, ids := mm[1], mm[2], mm[3], mm[4]
		mult := 1.0
		if q := leadingQty.FindStringSubmatch(qty); q != nil {
			if v, err := strconv.ParseFloat(q[1], 64); err == nil && v > 0 {
				mult = v
			}
		}
		if ids != "" {
			first, err := strconv.Atoi(strings.TrimSpace(strings.Split(ids, ",")[0]))
			if err == nil {
				out = append(out, element{MatchID: &first, Multiplier: mult})
				continue
			}
		}
		kcal := 100.0
		if v, err := strconv.ParseFloat(est, 64); err == nil {
			kcal = v / mult
		}
		out = append(out, element{
			Multiplier: mult,
			NewFood:    map[string]any{"name": name, "serving_size": "1 unit", "calories": kcal},
		})
	}

	if len(out) == 0 {
		zero := 0
		if strings.Contains(prompt, "Possible Matches:") {
			out = append(out, element{MatchID: &zero, Multiplier: 1})
		} else {
			out = append(out, element{Multiplier: 1, NewFood: map[string]any{"name": "", "serving_size": "1 unit", "calories": 100}})
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	slog.Info("LLM_CLIENT: Returning resolutions", "count", len(out))
	return string(b), nil
}

func segment(text string) string {
	var b strings.Builder
	for _, piece := range splitter.Split(strings.ToLower(text), -1) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		qty, unit := "1", "serving"
		if q := leadingQty.FindStringSubmatch(piece); q != nil {
			qty, piece = q[1], q[2]
		}
		fmt.Fprintf(&b, "%s,,%s,%s\n", piece, qty, unit)
	}
	return b.String()
}

// Scripted returns queued replies in order. Each step is either a reply or
// an error.
type Scripted struct {
	mu      sync.Mutex
	steps   []Step
	prompts []string
}

type Step struct {
	Reply string
	Err   error
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Replies builds a Scripted that returns each reply in turn.
func Replies(replies ...string) *Scripted {
	steps := make([]Step, 0, len(replies))
	for _, r := range replies {
		steps = append(steps, Step{Reply: r})
	}
	return NewScripted(steps...)
}

func (s *Scripted) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = append(s.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.steps) == 0 {
		return "", errors.New("no more responses available")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Reply, step.Err
}

// Prompts returns every prompt received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}
