// Package ledger folds past days' log entries into a per-account daily
// calorie history, in the account's own timezone.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"foodledger"
)

const (
	DefaultRetentionDays = 14
	DateKeyLayout        = "2006-01-02"
)

// Ledger is not safe for concurrent use on the same account; callers
// serialize per account with foodledger.AccountLocks.
type Ledger struct {
	catalog   foodledger.CatalogStore
	accounts  foodledger.AccountStore
	retention int
	now       func() time.Time
	notifier  foodledger.Notifier
	channel   string
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetention keeps the given number of most recent history dates.
func WithRetention(days int) Option {
	return func(l *Ledger) {
		if days > 0 {
			l.retention = days
		}
	}
}

// WithNotifier posts a summary to channel whenever a rollover folds entries.
func WithNotifier(n foodledger.Notifier, channel string) Option {
	return func(l *Ledger) {
		l.notifier = n
		l.channel = channel
	}
}

func New(catalog foodledger.CatalogStore, accounts foodledger.AccountStore, opts ...Option) *Ledger {
	l := &Ledger{
		catalog:   catalog,
		accounts:  accounts,
		retention: DefaultRetentionDays,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Source tells where a resolved entry's nutrition came from.
type Source string

const (
	SourceCatalog  Source = "catalog"
	SourceSnapshot Source = "snapshot"
	SourceNone     Source = "none"
)

// Resolved is a log entry with its food and scaled calories.
type Resolved struct {
	Entry    foodledger.FoodLogEntry `json:"entry"`
	Food     foodledger.FoodIdentity `json:"food"`
	Calories float64                 `json:"calories"`
	Source   Source                  `json:"source"`
}

// ResolveCalories resolves entry's food through the catalog reference first
// and the snapshot second. An entry with neither resolves to zero calories.
// Only a catalog failure is returned as an error.
func ResolveCalories(ctx context.Context, catalog foodledger.CatalogStore, entry foodledger.FoodLogEntry) (Resolved, error) {
	r := Resolved{Entry: entry.Clone(), Source: SourceNone}

	if entry.FoodRef != "" {
		food, ok, err := catalog.Get(ctx, entry.FoodRef)
		if err != nil {
			return Resolved{}, err
		}
		if ok {
			r.Food, r.Source = food, SourceCatalog
		}
	}
	if r.Source == SourceNone && entry.Snapshot != nil {
		r.Food, r.Source = entry.Snapshot.Clone(), SourceSnapshot
	}

	if r.Source == SourceNone {
		slog.Warn("LEDGER: Unresolved log entry counts as zero calories",
			"error", foodledger.Errorf(foodledger.KindUnresolvedReference, "ledger.resolve", "entry %s: food %q not found and no snapshot", entry.ID, entry.FoodRef))
		return r, nil
	}

	r.Calories = r.Food.Calories * entry.QuantityMultiplier
	return r, nil
}

// Location returns the account's zone. An empty timezone yields a nil
// location and no error.
func Location(acct foodledger.Account) (*time.Location, error) {
	if strings.TrimSpace(acct.Timezone) == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(acct.Timezone)
	if err != nil {
		return nil, foodledger.NewError(foodledger.KindConfiguration, "ledger.timezone", err)
	}
	return loc, nil
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DateKey returns the YYYY-MM-DD of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateKeyLayout)
}

// Rollover folds every live entry logged before today (local) into the
// history and removes it from the live log. It returns the number of entries
// folded. Rollover without a configured timezone is a no-op. The fold is
// applied in a single store call, so on error nothing has changed.
func (l *Ledger) Rollover(ctx context.Context, username string) (int, error) {
	acct, ok, err := l.accounts.Get(ctx, username)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	loc, err := Location(acct)
	if err != nil {
		return 0, err
	}
	if loc == nil {
		slog.Info("LEDGER: Rollover skipped, no timezone configured", "username", username)
		return 0, nil
	}

	today := StartOfDay(l.now(), loc)

	totals := make(map[string]float64)
	ids := make([]string, 0, len(acct.Logs))
	for _, e := range acct.Logs {
		if !e.LoggedAt.In(loc).Before(today) {
			continue
		}
		r, err := ResolveCalories(ctx, l.catalog, e)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve entry %s: %w", e.ID, err)
		}
		totals[DateKey(e.LoggedAt, loc)] += r.Calories
		ids = append(ids, e.ID)
	}

	merged := make(map[string]float64, len(acct.CalorieHistory)+len(totals))
	for k, v := range acct.CalorieHistory {
		merged[k] = v
	}
	for k, v := range totals {
		merged[k] += v
	}
	evict := Evictions(merged, l.retention)
	if len(ids) == 0 && len(evict) == 0 {
		return 0, nil
	}

	// History totals, evictions and log removal commit together so a failed
	// rollover can be retried without folding any entry twice.
	if err := l.accounts.FoldHistory(ctx, username, totals, ids, evict); err != nil {
		return 0, err
	}
	if len(evict) > 0 {
		slog.Info("LEDGER: Evicted history beyond retention", "username", username, "keys", evict)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	slog.Info("LEDGER: Rollover applied", "username", username, "entries", len(ids), "days", len(totals), "timezone", loc.String())
	l.notify(ctx, acct, totals, len(ids))
	return len(ids), nil
}

// Evictions returns the keys of history beyond the retention most recent
// dates, oldest first.
func Evictions(history map[string]float64, retention int) []string {
	if retention <= 0 || len(history) <= retention {
		return nil
	}
	keys := make([]string, 0, len(history))
	for k := range history {
		keys = append(keys, k)
	}
	// YYYY-MM-DD sorts chronologically.
	sort.Strings(keys)
	return keys[:len(keys)-retention]
}

func (l *Ledger) notify(ctx context.Context, acct foodledger.Account, totals map[string]float64, folded int) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.PostMessage(ctx, l.channel, Summary(acct, totals, folded)); err != nil {
		slog.Warn("LEDGER: Failed to post rollover summary", "username", acct.Username, "error", err)
	}
}

// Summary renders a rollover as plain text, one line per folded day.
func Summary(acct foodledger.Account, totals map[string]float64, folded int) string {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: rolled over %d entries\n", acct.Username, folded)
	for _, k := range keys {
		status := "under"
		if totals[k] > acct.CalorieGoal {
			status = "over"
		}
		fmt.Fprintf(&b, "%s  %.0f kcal (%s goal of %.0f)\n", k, totals[k], status, acct.CalorieGoal)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Day is the live view of the current local day.
type Day struct {
	Date      string     `json:"date"`
	Entries   []Resolved `json:"entries"`
	Total     float64    `json:"total"`
	Goal      float64    `json:"goal"`
	Remaining float64    `json:"remaining"`
}

// Today lists the live entries logged on the current local day. Without a
// timezone the day is computed in UTC.
func (l *Ledger) Today(ctx context.Context, username string) (Day, error) {
	acct, ok, err := l.accounts.Get(ctx, username)
	if err != nil {
		return Day{}, err
	}
	if !ok {
		acct = foodledger.NewAccount(username)
	}

	loc, err := Location(acct)
	if err != nil {
		return Day{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	start := StartOfDay(l.now(), loc)
	end := start.AddDate(0, 0, 1)

	day := Day{Date: start.Format(DateKeyLayout), Goal: acct.CalorieGoal, Entries: []Resolved{}}
	for _, e := range acct.Logs {
		local := e.LoggedAt.In(loc)
		if local.Before(start) || !local.Before(end) {
			continue
		}
		r, err := ResolveCalories(ctx, l.catalog, e)
		if err != nil {
			return Day{}, err
		}
		day.Entries = append(day.Entries, r)
		day.Total += r.Calories
	}
	day.Remaining = day.Goal - day.Total
	return day, nil
}
