package foodledger

import (
	"context"
	"net/http"
	"time"
)

const (
	// DefaultCalorieGoal is assigned to lazily created accounts.
	DefaultCalorieGoal = 2000

	// DefaultTimezone is assigned to lazily created accounts.
	DefaultTimezone = "UTC"

	// UnlabeledFoodName replaces a missing name in a completion reply.
	UnlabeledFoodName = "Unlabeled Food"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier posts plain-text summaries to a channel.
type Notifier interface {
	PostMessage(ctx context.Context, channel string, message string) error
}

// Completer sends a prompt to a text-completion service and returns the raw reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// NutritionLookup searches an external nutrition database.
type NutritionLookup interface {
	Lookup(ctx context.Context, query string) ([]LookupResult, error)
}

// CatalogStore persists the shared catalog of food identities.
type CatalogStore interface {
	Get(ctx context.Context, id string) (FoodIdentity, bool, error)
	Insert(ctx context.Context, food FoodIdentity) (FoodIdentity, error)
	Update(ctx context.Context, id string, patch FoodPatch) (FoodIdentity, error)
	Delete(ctx context.Context, id string) error
	// ListAll returns every identity in insertion order.
	ListAll(ctx context.Context) ([]FoodIdentity, error)
}

// AccountStore persists accounts, their log entries and their calorie history.
// Every method is atomic with respect to a single account.
type AccountStore interface {
	Get(ctx context.Context, username string) (Account, bool, error)
	CreateDefault(ctx context.Context, username string) (Account, error)
	AppendLog(ctx context.Context, username string, entry FoodLogEntry) error
	UpdateLogEntry(ctx context.Context, username, entryID string, patch LogPatch) (FoodLogEntry, error)
	RemoveLogEntries(ctx context.Context, username string, ids []string) error
	// MergeHistory adds each value to the existing total for its date key.
	MergeHistory(ctx context.Context, username string, totals map[string]float64) error
	// FoldHistory adds each total to the existing history for its date key,
	// deletes the evict keys from history and removes the log entries named
	// by removeIDs, all in one atomic step.
	FoldHistory(ctx context.Context, username string, totals map[string]float64, removeIDs, evictKeys []string) error
	SetField(ctx context.Context, username string, field AccountField, value any) error
}

// FoodIdentity is a named food with a serving description and per-serving nutrition.
type FoodIdentity struct {
	ID                 string   `json:"id,omitempty"`
	Name               string   `json:"name"`
	ServingDescription string   `json:"serving_size"`
	Calories           float64  `json:"calories"`
	Protein            *float64 `json:"protein,omitempty"`
	Carbs              *float64 `json:"carbs,omitempty"`
	Fat                *float64 `json:"fat,omitempty"`
}

// Clone returns a copy that shares no memory with f.
func (f FoodIdentity) Clone() FoodIdentity {
	f.Protein = cloneFloat(f.Protein)
	f.Carbs = cloneFloat(f.Carbs)
	f.Fat = cloneFloat(f.Fat)
	return f
}

// FoodPatch holds the fields to change on a catalog entry. Nil fields are left alone.
type FoodPatch struct {
	Name               *string
	ServingDescription *string
	Calories           *float64
	Protein            *float64
	Carbs              *float64
	Fat                *float64
}

// Apply returns f with the patch applied.
func (p FoodPatch) Apply(f FoodIdentity) FoodIdentity {
	f = f.Clone()
	if p.Name != nil {
		f.Name = *p.Name
	}
	if p.ServingDescription != nil {
		f.ServingDescription = *p.ServingDescription
	}
	if p.Calories != nil {
		f.Calories = *p.Calories
	}
	if p.Protein != nil {
		f.Protein = cloneFloat(p.Protein)
	}
	if p.Carbs != nil {
		f.Carbs = cloneFloat(p.Carbs)
	}
	if p.Fat != nil {
		f.Fat = cloneFloat(p.Fat)
	}
	return f
}

// Candidate is a possible identity for a mention. External candidates come
// from a nutrition lookup and have no catalog ID until they are persisted.
type Candidate struct {
	Food       FoodIdentity `json:"food"`
	Confidence float64      `json:"confidence"`
	External   bool         `json:"external,omitempty"`
}

// LookupResult is one product returned by a NutritionLookup.
type LookupResult struct {
	Name               string
	ServingDescription string
	Calories           *float64
	Protein            *float64
	Carbs              *float64
	Fat                *float64
	Source             string
}

// FoodLogEntry records one consumption event. FoodRef may dangle after the
// referenced identity is deleted; Snapshot then carries the nutrition.
type FoodLogEntry struct {
	ID                 string        `json:"id"`
	FoodRef            string        `json:"food_ref,omitempty"`
	Snapshot           *FoodIdentity `json:"snapshot,omitempty"`
	QuantityMultiplier float64       `json:"quantity_multiplier"`
	Notes              string        `json:"notes,omitempty"`
	LoggedAt           time.Time     `json:"logged_at"`
}

// Clone returns a copy that shares no memory with e.
func (e FoodLogEntry) Clone() FoodLogEntry {
	if e.Snapshot != nil {
		s := e.Snapshot.Clone()
		e.Snapshot = &s
	}
	return e
}

// LogPatch holds the editable fields of a log entry.
type LogPatch struct {
	QuantityMultiplier *float64
	Notes              *string
}

// Account is a user's ledger.
type Account struct {
	Username       string             `json:"username"`
	CalorieGoal    float64            `json:"calorie_goal"`
	Timezone       string             `json:"timezone"`
	Logs           []FoodLogEntry     `json:"logs"`
	CalorieHistory map[string]float64 `json:"calorie_history"`
	LastLoggedAt   *time.Time         `json:"last_logged_at,omitempty"`
}

// NewAccount returns an account with default goal and timezone.
func NewAccount(username string) Account {
	return Account{
		Username:       username,
		CalorieGoal:    DefaultCalorieGoal,
		Timezone:       DefaultTimezone,
		Logs:           []FoodLogEntry{},
		CalorieHistory: map[string]float64{},
	}
}

// Clone returns a deep copy of a.
func (a Account) Clone() Account {
	logs := make([]FoodLogEntry, len(a.Logs))
	for i, e := range a.Logs {
		logs[i] = e.Clone()
	}
	a.Logs = logs

	history := make(map[string]float64, len(a.CalorieHistory))
	for k, v := range a.CalorieHistory {
		history[k] = v
	}
	a.CalorieHistory = history

	if a.LastLoggedAt != nil {
		t := *a.LastLoggedAt
		a.LastLoggedAt = &t
	}
	return a
}

// AccountField names a scalar account field that can be set directly.
type AccountField string

const (
	FieldCalorieGoal  AccountField = "calorie_goal"
	FieldTimezone     AccountField = "timezone"
	FieldLastLoggedAt AccountField = "last_logged_at"
)

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
