package mock

import (
	"context"
	"errors"
	"testing"

	"foodledger"
	"foodledger/aggregate"
	"foodledger/disambiguate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLLMClient_Segment(t *testing.T) {
	llm := NewLLMClient()
	seg := disambiguate.NewSegmenter(llm, 0)

	mentions, err := seg.Segment(context.Background(), "2 eggs and toast with coffee")
	require.NoError(t, err)
	require.Len(t, mentions, 3)
	assert.Equal(t, "eggs", mentions[0].Name)
	assert.Equal(t, "2 serving", mentions[0].Quantity)
	assert.Equal(t, "toast", mentions[1].Name)
	assert.Equal(t, "coffee", mentions[2].Name)
}

func TestMockLLMClient_Resolve(t *testing.T) {
	llm := NewLLMClient()

	groups := []aggregate.Group{
		{
			Mention: aggregate.Mention{Name: "eggs", Quantity: "2 serving"},
			Candidates: []foodledger.Candidate{
				{Food: foodledger.FoodIdentity{ID: "egg", Name: "egg", ServingDescription: "1 large", Calories: 70}, Confidence: 0.9},
			},
		},
		{Mention: aggregate.Mention{Name: "dragonfruit", Quantity: "1 serving", EstimatedCalories: foodledger.Float(60)}},
	}
	req := disambiguate.BuildRequest("2 eggs and dragonfruit", groups)

	ex, err := disambiguate.NewProtocol(llm, 0).Resolve(context.Background(), req)
	require.NoError(t, err)

	res := ex.Resolutions()
	require.Len(t, res, 2)

	m, ok := res[0].(disambiguate.Match)
	require.True(t, ok)
	assert.Equal(t, "egg", m.Candidate.Food.ID)
	assert.Equal(t, 2.0, m.Multiplier)

	nf, ok := res[1].(disambiguate.NewFood)
	require.True(t, ok)
	assert.Equal(t, "dragonfruit", nf.Food.Name)
	assert.Equal(t, 60.0, nf.Food.Calories)
}

func TestMockLLMClient_NoMentions(t *testing.T) {
	llm := NewLLMClient()

	ex, err := disambiguate.NewProtocol(llm, 0).Resolve(context.Background(), disambiguate.BuildRequest("260 calories", nil))
	require.NoError(t, err)
	require.Len(t, ex.Resolutions(), 1)
	nf := ex.Resolutions()[0].(disambiguate.NewFood)
	assert.True(t, nf.Unidentified)
	assert.Equal(t, foodledger.UnlabeledFoodName, nf.Food.Name)
}

func TestScripted(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted(Step{Reply: "first"}, Step{Err: boom})

	got, err := s.Complete(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	_, err = s.Complete(context.Background(), "b")
	assert.ErrorIs(t, err, boom)

	_, err = s.Complete(context.Background(), "c")
	assert.EqualError(t, err, "no more responses available")

	assert.Equal(t, []string{"a", "b", "c"}, s.Prompts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Replies("late").Complete(ctx, "d")
	assert.ErrorIs(t, err, context.Canceled)
}
