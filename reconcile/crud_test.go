package reconcile

import (
	"context"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"foodledger"
	"foodledger/ledger"
	"foodledger/llm/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFood(t *testing.T) {
	tests := []struct {
		name    string
		food    foodledger.FoodIdentity
		wantErr error
		want    string
	}{
		{name: "defaults serving", food: foodledger.FoodIdentity{Name: " bagel ", Calories: 250}, want: "1 serving"},
		{name: "keeps serving", food: foodledger.FoodIdentity{Name: "bagel", ServingDescription: "1 large", Calories: 300}, want: "1 large"},
		{name: "blank name", food: foodledger.FoodIdentity{Name: "  ", Calories: 10}, wantErr: foodledger.ErrInput},
		{name: "negative calories", food: foodledger.FoodIdentity{Name: "bagel", Calories: -1}, wantErr: foodledger.ErrInput},
		{name: "nan calories", food: foodledger.FoodIdentity{Name: "bagel", Calories: math.NaN()}, wantErr: foodledger.ErrInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mock.NewScripted(), nil)
			got, err := h.engine.AddFood(context.Background(), tt.food)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, got.ID)
			assert.Equal(t, "bagel", got.Name)
			assert.Equal(t, tt.want, got.ServingDescription)
		})
	}
}

func TestUpdateFood(t *testing.T) {
	h := newHarness(t, mock.NewScripted(), nil, coffee())
	ctx := context.Background()

	_, err := h.engine.UpdateFood(ctx, "coffee-1", foodledger.FoodPatch{Name: foodledger.String("")})
	assert.ErrorIs(t, err, foodledger.ErrInput)

	_, err = h.engine.UpdateFood(ctx, "coffee-1", foodledger.FoodPatch{Calories: foodledger.Float(-5)})
	assert.ErrorIs(t, err, foodledger.ErrInput)

	got, err := h.engine.UpdateFood(ctx, "coffee-1", foodledger.FoodPatch{Calories: foodledger.Float(10)})
	require.NoError(t, err)
	assert.Equal(t, 10.0, got.Calories)
	assert.Equal(t, "coffee", got.Name)
}

func TestDeleteFoodKeepsSnapshot(t *testing.T) {
	h := newHarness(t, mock.Replies(`[{"match_id":0}]`), func(d *Deps) {
		d.Ledger = ledger.New(d.Catalog, d.Accounts, ledger.WithClock(func() time.Time { return fixedNow }))
	}, coffee())
	ctx := context.Background()

	_, err := h.engine.LogSubmission(ctx, "alice", "coffee")
	require.NoError(t, err)
	require.NoError(t, h.engine.DeleteFood(ctx, "coffee-1"))

	foods, err := h.engine.ListFoods(ctx)
	require.NoError(t, err)
	assert.Empty(t, foods)

	day, err := h.engine.Today(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5.0, day.Total)
}

func TestSearchFoods(t *testing.T) {
	h := newHarness(t, mock.NewScripted(), nil,
		foodledger.FoodIdentity{ID: "1", Name: "brown rice", Calories: 215},
		foodledger.FoodIdentity{ID: "2", Name: "rice", Calories: 205},
		foodledger.FoodIdentity{ID: "3", Name: "lentil soup", Calories: 180},
	)

	got, err := h.engine.SearchFoods(context.Background(), "rice", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Food.ID, "ties keep catalog order")
	assert.Equal(t, "2", got[1].Food.ID)
	assert.Equal(t, 1.0, got[1].Confidence)
}

func TestLogEntryEdits(t *testing.T) {
	h := newHarness(t, mock.Replies(`[{"match_id":0}]`), nil, coffee())
	ctx := context.Background()

	_, err := h.engine.LogSubmission(ctx, "alice", "coffee")
	require.NoError(t, err)
	id := h.account(t, "alice").Logs[0].ID

	_, err = h.engine.EditLogEntry(ctx, "alice", id, foodledger.LogPatch{QuantityMultiplier: foodledger.Float(0)})
	assert.ErrorIs(t, err, foodledger.ErrInput)

	edited, err := h.engine.EditLogEntry(ctx, "alice", id, foodledger.LogPatch{QuantityMultiplier: foodledger.Float(3)})
	require.NoError(t, err)
	assert.Equal(t, 3.0, edited.QuantityMultiplier)

	assert.ErrorIs(t, h.engine.DeleteLogEntry(ctx, "alice", "missing"), foodledger.ErrInput)
	require.NoError(t, h.engine.DeleteLogEntry(ctx, "alice", id))
	assert.Empty(t, h.account(t, "alice").Logs)
}

func TestAccountSettings(t *testing.T) {
	h := newHarness(t, mock.NewScripted(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.SetCalorieGoal(ctx, "alice", 0), foodledger.ErrInput)
	assert.ErrorIs(t, h.engine.SetCalorieGoal(ctx, "alice", -100), foodledger.ErrInput)
	require.NoError(t, h.engine.SetCalorieGoal(ctx, "alice", 1800))

	assert.ErrorIs(t, h.engine.SetTimezone(ctx, "alice", "Mars/Olympus_Mons"), foodledger.ErrConfiguration)
	require.NoError(t, h.engine.SetTimezone(ctx, "alice", "Europe/Berlin"))

	acct, err := h.engine.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1800.0, acct.CalorieGoal)
	assert.Equal(t, "Europe/Berlin", acct.Timezone)

	require.NoError(t, h.engine.SetTimezone(ctx, "alice", ""))
	n, err := h.engine.Rollover(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.engine.Account(ctx, " ")
	assert.ErrorIs(t, err, foodledger.ErrInput)
}
