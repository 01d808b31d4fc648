// Package store persists the food catalog and user accounts, either in memory
// or in SQLite through gorm.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"foodledger"

	"github.com/google/uuid"
)

// failHook, when set, is consulted before each operation and its error
// returned as a persistence failure.
type failHook func(op string) error

func (f failHook) check(op string) error {
	if f == nil {
		return nil
	}
	if err := f(op); err != nil {
		return foodledger.NewError(foodledger.KindPersistence, op, err)
	}
	return nil
}

// MemoryCatalog is an in-memory CatalogStore. Every read returns a deep copy
// so callers can never alias stored state.
type MemoryCatalog struct {
	mu    sync.RWMutex
	foods []foodledger.FoodIdentity
	Fail  failHook
}

func NewMemoryCatalog(seed ...foodledger.FoodIdentity) *MemoryCatalog {
	m := &MemoryCatalog{}
	for _, f := range seed {
		f = f.Clone()
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		m.foods = append(m.foods, f)
	}
	return m
}

func (m *MemoryCatalog) Get(ctx context.Context, id string) (foodledger.FoodIdentity, bool, error) {
	if err := m.Fail.check("catalog.get"); err != nil {
		return foodledger.FoodIdentity{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if i := m.indexOf(id); i >= 0 {
		return m.foods[i].Clone(), true, nil
	}
	return foodledger.FoodIdentity{}, false, nil
}

func (m *MemoryCatalog) Insert(ctx context.Context, food foodledger.FoodIdentity) (foodledger.FoodIdentity, error) {
	if err := m.Fail.check("catalog.insert"); err != nil {
		return foodledger.FoodIdentity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	food = food.Clone()
	if food.ID == "" {
		food.ID = uuid.NewString()
	}
	if m.indexOf(food.ID) >= 0 {
		return foodledger.FoodIdentity{}, foodledger.Errorf(foodledger.KindPersistence, "catalog.insert", "food %s already exists", food.ID)
	}
	m.foods = append(m.foods, food)
	return food.Clone(), nil
}

func (m *MemoryCatalog) Update(ctx context.Context, id string, patch foodledger.FoodPatch) (foodledger.FoodIdentity, error) {
	if err := m.Fail.check("catalog.update"); err != nil {
		return foodledger.FoodIdentity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return foodledger.FoodIdentity{}, foodledger.Errorf(foodledger.KindInput, "catalog.update", "food %s not found", id)
	}
	m.foods[i] = patch.Apply(m.foods[i])
	return m.foods[i].Clone(), nil
}

func (m *MemoryCatalog) Delete(ctx context.Context, id string) error {
	if err := m.Fail.check("catalog.delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return foodledger.Errorf(foodledger.KindInput, "catalog.delete", "food %s not found", id)
	}
	m.foods = slices.Delete(m.foods, i, i+1)
	return nil
}

func (m *MemoryCatalog) ListAll(ctx context.Context) ([]foodledger.FoodIdentity, error) {
	if err := m.Fail.check("catalog.list"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]foodledger.FoodIdentity, len(m.foods))
	for i, f := range m.foods {
		out[i] = f.Clone()
	}
	return out, nil
}

func (m *MemoryCatalog) indexOf(id string) int {
	return slices.IndexFunc(m.foods, func(f foodledger.FoodIdentity) bool { return f.ID == id })
}

// MemoryAccounts is an in-memory AccountStore.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*foodledger.Account
	Fail     failHook
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]*foodledger.Account)}
}

func (a *MemoryAccounts) Get(ctx context.Context, username string) (foodledger.Account, bool, error) {
	if err := a.Fail.check("account.get"); err != nil {
		return foodledger.Account{}, false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	acct, ok := a.accounts[username]
	if !ok {
		return foodledger.Account{}, false, nil
	}
	return acct.Clone(), true, nil
}

func (a *MemoryAccounts) CreateDefault(ctx context.Context, username string) (foodledger.Account, error) {
	if err := a.Fail.check("account.create"); err != nil {
		return foodledger.Account{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if acct, ok := a.accounts[username]; ok {
		return acct.Clone(), nil
	}
	acct := foodledger.NewAccount(username)
	a.accounts[username] = &acct
	return acct.Clone(), nil
}

func (a *MemoryAccounts) AppendLog(ctx context.Context, username string, entry foodledger.FoodLogEntry) error {
	if err := a.Fail.check("account.append"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.append", username)
	if err != nil {
		return err
	}
	entry = entry.Clone()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	acct.Logs = append(acct.Logs, entry)
	return nil
}

func (a *MemoryAccounts) UpdateLogEntry(ctx context.Context, username, entryID string, patch foodledger.LogPatch) (foodledger.FoodLogEntry, error) {
	if err := a.Fail.check("account.update_log"); err != nil {
		return foodledger.FoodLogEntry{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.update_log", username)
	if err != nil {
		return foodledger.FoodLogEntry{}, err
	}
	i := slices.IndexFunc(acct.Logs, func(e foodledger.FoodLogEntry) bool { return e.ID == entryID })
	if i < 0 {
		return foodledger.FoodLogEntry{}, foodledger.Errorf(foodledger.KindInput, "account.update_log", "log entry %s not found", entryID)
	}
	if patch.QuantityMultiplier != nil {
		acct.Logs[i].QuantityMultiplier = *patch.QuantityMultiplier
	}
	if patch.Notes != nil {
		acct.Logs[i].Notes = *patch.Notes
	}
	return acct.Logs[i].Clone(), nil
}

func (a *MemoryAccounts) RemoveLogEntries(ctx context.Context, username string, ids []string) error {
	if err := a.Fail.check("account.remove_logs"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.remove_logs", username)
	if err != nil {
		return err
	}
	acct.Logs = slices.DeleteFunc(acct.Logs, func(e foodledger.FoodLogEntry) bool {
		return slices.Contains(ids, e.ID)
	})
	return nil
}

func (a *MemoryAccounts) MergeHistory(ctx context.Context, username string, totals map[string]float64) error {
	if err := a.Fail.check("account.merge_history"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.merge_history", username)
	if err != nil {
		return err
	}
	addHistory(acct, totals)
	return nil
}

func (a *MemoryAccounts) FoldHistory(ctx context.Context, username string, totals map[string]float64, removeIDs, evictKeys []string) error {
	if err := a.Fail.check("account.fold_history"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.fold_history", username)
	if err != nil {
		return err
	}
	addHistory(acct, totals)
	for _, k := range evictKeys {
		delete(acct.CalorieHistory, k)
	}
	if len(removeIDs) > 0 {
		acct.Logs = slices.DeleteFunc(acct.Logs, func(e foodledger.FoodLogEntry) bool {
			return slices.Contains(removeIDs, e.ID)
		})
	}
	return nil
}

func addHistory(acct *foodledger.Account, totals map[string]float64) {
	if acct.CalorieHistory == nil {
		acct.CalorieHistory = make(map[string]float64, len(totals))
	}
	for k, v := range totals {
		acct.CalorieHistory[k] += v
	}
}

func (a *MemoryAccounts) SetField(ctx context.Context, username string, field foodledger.AccountField, value any) error {
	if err := a.Fail.check("account.set_field"); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acct, err := a.lookup("account.set_field", username)
	if err != nil {
		return err
	}
	return applyField(acct, field, value)
}

func (a *MemoryAccounts) lookup(op, username string) (*foodledger.Account, error) {
	acct, ok := a.accounts[username]
	if !ok {
		return nil, foodledger.Errorf(foodledger.KindInput, op, "account %q not found", username)
	}
	return acct, nil
}

func applyField(acct *foodledger.Account, field foodledger.AccountField, value any) error {
	switch field {
	case foodledger.FieldCalorieGoal:
		v, ok := value.(float64)
		if !ok {
			return fieldTypeError(field, value)
		}
		acct.CalorieGoal = v
	case foodledger.FieldTimezone:
		v, ok := value.(string)
		if !ok {
			return fieldTypeError(field, value)
		}
		acct.Timezone = v
	case foodledger.FieldLastLoggedAt:
		v, ok := value.(time.Time)
		if !ok {
			return fieldTypeError(field, value)
		}
		v = v.UTC()
		acct.LastLoggedAt = &v
	default:
		return foodledger.Errorf(foodledger.KindConfiguration, "account.set_field", "unknown field %q", field)
	}
	return nil
}

func fieldTypeError(field foodledger.AccountField, value any) error {
	return foodledger.NewError(foodledger.KindConfiguration, "account.set_field", fmt.Errorf("field %q does not accept %T", field, value))
}
