package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foodledger"
	"foodledger/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeLookup struct {
	mu      sync.Mutex
	results map[string][]foodledger.LookupResult
	errs    map[string]error
	delay   time.Duration
	queries []string
}

func (f *fakeLookup) Lookup(ctx context.Context, query string) ([]foodledger.LookupResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

func newCatalog(t *testing.T, names ...string) *store.MemoryCatalog {
	t.Helper()
	cs := store.NewMemoryCatalog()
	for _, n := range names {
		_, err := cs.Insert(context.Background(), foodledger.FoodIdentity{ID: n, Name: n, ServingDescription: "1 serving", Calories: 100})
		require.NoError(t, err)
	}
	return cs
}

func TestAggregateLocalOnly(t *testing.T) {
	lookup := &fakeLookup{}
	a := New(newCatalog(t, "banana", "banana bread", "oatmeal"), lookup, Options{MinConfidence: 0.1})

	groups, err := a.Aggregate(context.Background(), []Mention{{Name: "banana"}, {Name: "oatmeal"}})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "banana", groups[0].Mention.Name)
	require.Len(t, groups[0].Candidates, 2)
	assert.Equal(t, "banana", groups[0].Candidates[0].Food.ID)
	assert.Equal(t, "banana bread", groups[0].Candidates[1].Food.ID)
	require.Len(t, groups[1].Candidates, 1)

	assert.Empty(t, lookup.queries, "lookup must only run for mentions without local matches")
}

func TestAggregateExternalFallback(t *testing.T) {
	lookup := &fakeLookup{results: map[string][]foodledger.LookupResult{
		"nutella": {
			{Name: "Nutella", ServingDescription: "15 g", Calories: foodledger.Float(80)},
			{Name: "Nutella Family Jar", ServingDescription: "15 g", Calories: foodledger.Float(900)},
			{Name: "Nutella Mystery", ServingDescription: "15 g"},
			{Name: "Nutella", ServingDescription: "15 g", Calories: foodledger.Float(81)},
		},
	}}
	a := New(newCatalog(t, "banana"), lookup, Options{MinConfidence: 0.1, CalorieTolerance: 100})

	groups, err := a.Aggregate(context.Background(), []Mention{
		{Name: "banana"},
		{Name: "nutella", Quantity: "1 spoon", EstimatedCalories: foodledger.Float(100)},
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	got := groups[1].Candidates
	require.Len(t, got, 1, "missing calories, implausible calories and duplicates are dropped")
	assert.True(t, got[0].External)
	assert.Empty(t, got[0].Food.ID)
	assert.Equal(t, "Nutella", got[0].Food.Name)
	assert.Equal(t, 80.0, got[0].Food.Calories)
	assert.Equal(t, 1.0, got[0].Confidence)

	assert.Equal(t, []string{"nutella"}, lookup.queries)
}

func TestAggregateLookupFailureDegrades(t *testing.T) {
	lookup := &fakeLookup{
		errs: map[string]error{"kombucha": errors.New("connection refused")},
		results: map[string][]foodledger.LookupResult{
			"tempeh": {{Name: "Tempeh", ServingDescription: "100 g", Calories: foodledger.Float(192)}},
		},
	}
	a := New(newCatalog(t, "rice"), lookup, Options{MinConfidence: 0.1})

	groups, err := a.Aggregate(context.Background(), []Mention{{Name: "kombucha"}, {Name: "tempeh"}, {Name: "rice"}})
	require.NoError(t, err)
	require.Len(t, groups, 3)

	assert.Empty(t, groups[0].Candidates)
	assert.Error(t, groups[0].LookupErr)
	require.Len(t, groups[1].Candidates, 1)
	assert.NoError(t, groups[1].LookupErr)
	require.Len(t, groups[2].Candidates, 1)
}

func TestAggregateLookupTimeout(t *testing.T) {
	lookup := &fakeLookup{delay: time.Second}
	a := New(newCatalog(t), lookup, Options{MinConfidence: 0.1, LookupTimeout: 20 * time.Millisecond})

	start := time.Now()
	groups, err := a.Aggregate(context.Background(), []Mention{{Name: "durian"}, {Name: "jackfruit"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	for _, g := range groups {
		assert.ErrorIs(t, g.LookupErr, context.DeadlineExceeded)
		assert.Empty(t, g.Candidates)
	}
}

func TestAggregateCapsAndIsDeterministic(t *testing.T) {
	results := make([]foodledger.LookupResult, 0, 10)
	for _, n := range []string{"Granola Bar", "Granola", "Granola Clusters", "Honey Granola", "Granola Bites", "Granola Oat", "Granola Crunch", "Granola Mix"} {
		results = append(results, foodledger.LookupResult{Name: n, ServingDescription: "40 g", Calories: foodledger.Float(180)})
	}
	lookup := &fakeLookup{results: map[string][]foodledger.LookupResult{"granola": results}}
	a := New(newCatalog(t), lookup, Options{MinConfidence: 0.1, MaxCandidates: 4, LookupConcurrency: 2})

	var first []foodledger.Candidate
	for range 5 {
		groups, err := a.Aggregate(context.Background(), []Mention{{Name: "granola"}})
		require.NoError(t, err)
		require.Len(t, groups[0].Candidates, 4)
		if first == nil {
			first = groups[0].Candidates
			continue
		}
		assert.Equal(t, first, groups[0].Candidates)
	}
	for i := 1; i < len(first); i++ {
		assert.GreaterOrEqual(t, first[i-1].Confidence, first[i].Confidence)
	}
}

func TestAggregateCatalogFailure(t *testing.T) {
	cs := store.NewMemoryCatalog()
	cs.Fail = func(op string) error { return errors.New("locked") }
	_, err := New(cs, nil, Options{}).Aggregate(context.Background(), []Mention{{Name: "apple"}})
	assert.ErrorIs(t, err, foodledger.ErrPersistence)
}

func TestBest(t *testing.T) {
	groups := []Group{
		{Candidates: []foodledger.Candidate{{Food: foodledger.FoodIdentity{ID: "a"}, Confidence: 0.5}}},
		{Candidates: []foodledger.Candidate{{Food: foodledger.FoodIdentity{ID: "b"}, Confidence: 0.8}, {Food: foodledger.FoodIdentity{ID: "c"}, Confidence: 0.8}}},
	}
	best, ok := Best(groups)
	require.True(t, ok)
	assert.Equal(t, "b", best.Food.ID)
	assert.Equal(t, 3, Count(groups))

	_, ok = Best([]Group{{}})
	assert.False(t, ok)
}
