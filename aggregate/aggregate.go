// Package aggregate gathers candidate identities for each food mention in a
// submission from the local catalog and, when that comes up empty, from an
// external nutrition lookup.
package aggregate

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"foodledger"
	"foodledger/catalog"
	"foodledger/similarity"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxCandidates     = 6
	DefaultCalorieTolerance  = 250
	DefaultLookupTimeout     = 5 * time.Second
	DefaultLookupConcurrency = 4
)

// Mention is one food named in a submission.
type Mention struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	// EstimatedCalories is the user's or segmenter's guess, when one was given.
	EstimatedCalories *float64 `json:"estimated_calories,omitempty"`
}

// Group is the merged candidate list for a mention.
type Group struct {
	Mention    Mention
	Candidates []foodledger.Candidate
	// LookupErr is set when the external lookup failed and the group holds
	// catalog results only.
	LookupErr error
}

type Options struct {
	TopN              int
	MinConfidence     float64
	MaxCandidates     int
	CalorieTolerance  float64
	LookupTimeout     time.Duration
	LookupConcurrency int
}

// OptionsFrom maps ledger configuration onto aggregation options.
func OptionsFrom(cfg foodledger.LedgerConfig) Options {
	return Options{
		TopN:              cfg.TopN,
		MinConfidence:     cfg.MinConfidence,
		MaxCandidates:     cfg.MaxCandidates,
		CalorieTolerance:  cfg.CalorieTolerance,
		LookupTimeout:     cfg.LookupTimeout,
		LookupConcurrency: cfg.LookupConcurrency,
	}
}

type Aggregator struct {
	catalog foodledger.CatalogStore
	lookup  foodledger.NutritionLookup
	opts    Options
}

// New returns an Aggregator. lookup may be nil, in which case only the
// catalog is consulted.
func New(catalogStore foodledger.CatalogStore, lookup foodledger.NutritionLookup, opts Options) *Aggregator {
	if opts.TopN == 0 {
		opts.TopN = catalog.DefaultTopN
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.LookupConcurrency <= 0 {
		opts.LookupConcurrency = DefaultLookupConcurrency
	}
	return &Aggregator{catalog: catalogStore, lookup: lookup, opts: opts}
}

// Aggregate returns one group per mention, in mention order. Only a catalog
// read failure is returned as an error; lookup failures degrade the affected
// group to catalog results.
func (a *Aggregator) Aggregate(ctx context.Context, mentions []Mention) ([]Group, error) {
	foods, err := a.catalog.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, len(mentions))
	external := make([][]foodledger.Candidate, len(mentions))

	var g errgroup.Group
	g.SetLimit(a.opts.LookupConcurrency)

	for i, m := range mentions {
		groups[i] = Group{
			Mention:    m,
			Candidates: catalog.Rank(m.Name, foods, a.opts.TopN, a.opts.MinConfidence),
		}
		if len(groups[i].Candidates) > 0 || a.lookup == nil {
			continue
		}

		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, a.opts.LookupTimeout)
			defer cancel()

			results, err := a.lookup.Lookup(lctx, m.Name)
			if err != nil {
				slog.Warn("AGGREGATOR: Lookup failed, using catalog only", "mention", m.Name, "error", err)
				groups[i].LookupErr = err
				return nil
			}
			external[i] = a.externalCandidates(m, results)
			return nil
		})
	}
	_ = g.Wait()

	for i := range groups {
		groups[i].Candidates = a.merge(groups[i].Candidates, external[i])
	}

	return groups, nil
}

func (a *Aggregator) externalCandidates(m Mention, results []foodledger.LookupResult) []foodledger.Candidate {
	out := make([]foodledger.Candidate, 0, len(results))
	for _, r := range results {
		if r.Calories == nil || *r.Calories < 0 {
			continue
		}
		if m.EstimatedCalories != nil && a.opts.CalorieTolerance > 0 &&
			math.Abs(*r.Calories-*m.EstimatedCalories) > a.opts.CalorieTolerance {
			slog.Debug("AGGREGATOR: Dropping implausible lookup result",
				"mention", m.Name, "result", r.Name, "calories", *r.Calories, "estimate", *m.EstimatedCalories)
			continue
		}
		out = append(out, foodledger.Candidate{
			Food: foodledger.FoodIdentity{
				Name:               r.Name,
				ServingDescription: r.ServingDescription,
				Calories:           *r.Calories,
				Protein:            r.Protein,
				Carbs:              r.Carbs,
				Fat:                r.Fat,
			}.Clone(),
			Confidence: similarity.Score(m.Name, r.Name),
			External:   true,
		})
	}
	return out
}

// merge deduplicates, stable-sorts by confidence and caps. Local candidates
// precede external ones with equal confidence.
func (a *Aggregator) merge(local, external []foodledger.Candidate) []foodledger.Candidate {
	seen := make(map[string]bool, len(local)+len(external))
	out := make([]foodledger.Candidate, 0, len(local)+len(external))
	for _, c := range slices.Concat(local, external) {
		k := Key(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}

	SortByConfidence(out)

	if len(out) > a.opts.MaxCandidates {
		out = out[:a.opts.MaxCandidates]
	}
	return out
}

// Key identifies a candidate for deduplication: the catalog ID, or the
// normalized name and serving of an external result.
func Key(c foodledger.Candidate) string {
	if c.Food.ID != "" {
		return "id:" + c.Food.ID
	}
	return "ext:" + similarity.Normalize(c.Food.Name) + "|" + similarity.Normalize(c.Food.ServingDescription)
}

// SortByConfidence orders candidates best first, keeping the input order of ties.
func SortByConfidence(cs []foodledger.Candidate) {
	slices.SortStableFunc(cs, func(a, b foodledger.Candidate) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})
}

// Best returns the highest-confidence candidate across all groups. Ties go to
// the earliest group.
func Best(groups []Group) (foodledger.Candidate, bool) {
	var best foodledger.Candidate
	found := false
	for _, g := range groups {
		for _, c := range g.Candidates {
			if !found || c.Confidence > best.Confidence {
				best, found = c, true
			}
		}
	}
	return best, found
}

// Count returns the total number of candidates across groups.
func Count(groups []Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Candidates)
	}
	return n
}
