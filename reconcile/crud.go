package reconcile

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"foodledger"
	"foodledger/catalog"
	"foodledger/ledger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Rollover folds past days' entries for username into its history.
func (e *Engine) Rollover(ctx context.Context, username string) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Rollover", trace.WithAttributes(attribute.String("username", username)))
	defer span.End()

	unlock := e.locks.Lock(username)
	defer unlock()

	e.metrics.rollovers.Add(ctx, 1)
	n, err := e.ledger.Rollover(ctx, username)
	if err != nil {
		span.SetStatus(codes.Error, "Rollover failed")
		span.RecordError(err)
		return 0, err
	}
	e.metrics.rolledOver.Add(ctx, int64(n))
	span.SetAttributes(attribute.Int("applied", n))
	return n, nil
}

// Today returns the current local day's entries and totals for username.
func (e *Engine) Today(ctx context.Context, username string) (ledger.Day, error) {
	return e.ledger.Today(ctx, username)
}

// Account returns username's account, creating it with defaults if needed.
func (e *Engine) Account(ctx context.Context, username string) (foodledger.Account, error) {
	unlock := e.locks.Lock(username)
	defer unlock()
	return e.ensureAccount(ctx, username)
}

func (e *Engine) AddFood(ctx context.Context, food foodledger.FoodIdentity) (foodledger.FoodIdentity, error) {
	food.Name = strings.TrimSpace(food.Name)
	if food.Name == "" {
		return foodledger.FoodIdentity{}, foodledger.Errorf(foodledger.KindInput, "reconcile.add_food", "name is required")
	}
	if err := validCalories("reconcile.add_food", food.Calories); err != nil {
		return foodledger.FoodIdentity{}, err
	}
	if strings.TrimSpace(food.ServingDescription) == "" {
		food.ServingDescription = "1 serving"
	}
	return e.catalog.Insert(ctx, food)
}

func (e *Engine) UpdateFood(ctx context.Context, id string, patch foodledger.FoodPatch) (foodledger.FoodIdentity, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return foodledger.FoodIdentity{}, foodledger.Errorf(foodledger.KindInput, "reconcile.update_food", "name must not be blank")
	}
	if patch.Calories != nil {
		if err := validCalories("reconcile.update_food", *patch.Calories); err != nil {
			return foodledger.FoodIdentity{}, err
		}
	}
	return e.catalog.Update(ctx, id, patch)
}

// DeleteFood removes a catalog entry. Log entries referencing it keep their
// snapshot.
func (e *Engine) DeleteFood(ctx context.Context, id string) error {
	return e.catalog.Delete(ctx, id)
}

func (e *Engine) ListFoods(ctx context.Context) ([]foodledger.FoodIdentity, error) {
	return e.catalog.ListAll(ctx)
}

// SearchFoods ranks the catalog against query.
func (e *Engine) SearchFoods(ctx context.Context, query string, topN int) ([]foodledger.Candidate, error) {
	foods, err := e.catalog.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.NewMatcher(topN, catalog.DefaultMinConfidence).Rank(query, foods), nil
}

func (e *Engine) DeleteLogEntry(ctx context.Context, username, entryID string) error {
	unlock := e.locks.Lock(username)
	defer unlock()

	acct, err := e.ensureAccount(ctx, username)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(acct.Logs, func(l foodledger.FoodLogEntry) bool { return l.ID == entryID }) {
		return foodledger.Errorf(foodledger.KindInput, "reconcile.delete_entry", "log entry %s not found", entryID)
	}
	if err := e.accounts.RemoveLogEntries(ctx, username, []string{entryID}); err != nil {
		return err
	}
	slog.Info("ENGINE: Deleted log entry", "username", username, "id", entryID)
	return nil
}

func (e *Engine) EditLogEntry(ctx context.Context, username, entryID string, patch foodledger.LogPatch) (foodledger.FoodLogEntry, error) {
	if m := patch.QuantityMultiplier; m != nil && (*m <= 0 || math.IsNaN(*m) || math.IsInf(*m, 0)) {
		return foodledger.FoodLogEntry{}, foodledger.Errorf(foodledger.KindInput, "reconcile.edit_entry", "multiplier must be positive, got %g", *m)
	}

	unlock := e.locks.Lock(username)
	defer unlock()

	if _, err := e.ensureAccount(ctx, username); err != nil {
		return foodledger.FoodLogEntry{}, err
	}
	return e.accounts.UpdateLogEntry(ctx, username, entryID, patch)
}

func (e *Engine) SetCalorieGoal(ctx context.Context, username string, goal float64) error {
	if goal <= 0 || math.IsNaN(goal) || math.IsInf(goal, 0) {
		return foodledger.Errorf(foodledger.KindInput, "reconcile.set_goal", "calorie goal must be positive, got %g", goal)
	}

	unlock := e.locks.Lock(username)
	defer unlock()

	if _, err := e.ensureAccount(ctx, username); err != nil {
		return err
	}
	return e.accounts.SetField(ctx, username, foodledger.FieldCalorieGoal, goal)
}

// SetTimezone sets the account's IANA zone. An empty zone disables rollover.
func (e *Engine) SetTimezone(ctx context.Context, username, tz string) error {
	tz = strings.TrimSpace(tz)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return foodledger.NewError(foodledger.KindConfiguration, "reconcile.set_timezone", err)
		}
	}

	unlock := e.locks.Lock(username)
	defer unlock()

	if _, err := e.ensureAccount(ctx, username); err != nil {
		return err
	}
	return e.accounts.SetField(ctx, username, foodledger.FieldTimezone, tz)
}

func validCalories(op string, kcal float64) error {
	if kcal < 0 || math.IsNaN(kcal) || math.IsInf(kcal, 0) {
		return foodledger.Errorf(foodledger.KindInput, op, "calories must be a non-negative number, got %g", kcal)
	}
	return nil
}
