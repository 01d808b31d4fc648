package disambiguate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"foodledger"
)

const defaultServing = "1 unit"

// Resolution is one instruction from a reply: either a Match of an offered
// candidate or a NewFood.
type Resolution interface {
	resolution()
}

// Match selects an offered candidate.
type Match struct {
	Index      int                  `json:"match_id"`
	Candidate  foodledger.Candidate `json:"candidate"`
	Multiplier float64              `json:"multiplier"`
	Notes      string               `json:"notes,omitempty"`
}

// NewFood describes a food that matched nothing offered. Unidentified foods
// are logged but never added to the catalog.
type NewFood struct {
	Food         foodledger.FoodIdentity `json:"new_food"`
	Unidentified bool                    `json:"is_unidentified,omitempty"`
	Multiplier   float64                 `json:"multiplier"`
	Notes        string                  `json:"notes,omitempty"`
}

func (Match) resolution()   {}
func (NewFood) resolution() {}

// Result is the outcome of parsing one reply element. Exactly one of
// Resolution and Err is set.
type Result struct {
	Element    int
	Resolution Resolution
	Err        error
}

type wireElement struct {
	MatchID        json.RawMessage `json:"match_id"`
	Multiplier     *float64        `json:"multiplier"`
	Notes          *string         `json:"notes"`
	IsUnidentified *bool           `json:"is_unidentified"`
	NewFood        *wireNewFood    `json:"new_food"`
}

type wireNewFood struct {
	Name        *string  `json:"name"`
	ServingSize *string  `json:"serving_size"`
	Calories    *float64 `json:"calories"`
	Protein     *float64 `json:"protein"`
	Carbs       *float64 `json:"carbs"`
	Fat         *float64 `json:"fat"`
}

// ParseReply extracts the JSON array from reply and validates each element
// against the offered candidates. A reply without a parseable array is a
// malformed-reply error; an invalid element only yields a Result with Err set.
func ParseReply(reply string, offered []foodledger.Candidate) ([]Result, error) {
	payload, err := extractArray(reply)
	if err != nil {
		return nil, err
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, foodledger.NewError(foodledger.KindMalformedReply, "reply.parse", err)
	}

	results := make([]Result, 0, len(elements))
	for i, raw := range elements {
		res, err := parseElement(raw, offered)
		if err != nil {
			results = append(results, Result{Element: i, Err: foodledger.Errorf(foodledger.KindMalformedReply, "reply.element", "element %d: %v", i, err)})
			continue
		}
		results = append(results, Result{Element: i, Resolution: res})
	}
	return results, nil
}

// Valid returns the resolutions of results in reply order.
func Valid(results []Result) []Resolution {
	out := make([]Resolution, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Resolution)
		}
	}
	return out
}

func extractArray(reply string) ([]byte, error) {
	s := stripFences(reply)
	if s == "" {
		return nil, foodledger.Errorf(foodledger.KindMalformedReply, "reply.parse", "empty reply")
	}

	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return nil, foodledger.Errorf(foodledger.KindMalformedReply, "reply.parse", "reply is not a JSON array: %.80q", s)
	}
	// An object wrapping the array is not an array reply.
	if brace := strings.IndexByte(s, '{'); brace >= 0 && brace < start {
		return nil, foodledger.Errorf(foodledger.KindMalformedReply, "reply.parse", "reply is not a JSON array: %.80q", s)
	}
	return []byte(s[start : end+1]), nil
}

// stripFences removes markdown code fences such as ```json ... ```.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimLeft(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseElement(raw json.RawMessage, offered []foodledger.Candidate) (Resolution, error) {
	if t := bytes.TrimSpace(raw); len(t) == 0 || t[0] != '{' {
		return nil, fmt.Errorf("not an object")
	}

	var el wireElement
	if err := json.Unmarshal(raw, &el); err != nil {
		return nil, err
	}

	multiplier := 1.0
	if el.Multiplier != nil {
		multiplier = *el.Multiplier
	}
	if multiplier <= 0 || math.IsInf(multiplier, 0) {
		return nil, fmt.Errorf("multiplier must be positive, got %g", multiplier)
	}

	notes := ""
	if el.Notes != nil {
		notes = *el.Notes
	}

	if el.NewFood != nil {
		return parseNewFood(el, multiplier, notes)
	}

	id, ok, err := parseMatchID(el.MatchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("neither match_id nor new_food present")
	}
	if id < 0 || id >= len(offered) {
		return nil, fmt.Errorf("match_id %d out of range [0,%d)", id, len(offered))
	}

	return Match{
		Index:      id,
		Candidate:  offered[id],
		Multiplier: multiplier,
		Notes:      notes,
	}, nil
}

func parseNewFood(el wireElement, multiplier float64, notes string) (Resolution, error) {
	nf := el.NewFood
	if nf.Calories == nil {
		return nil, fmt.Errorf("new_food without calories")
	}
	if *nf.Calories < 0 {
		return nil, fmt.Errorf("new_food calories must not be negative, got %g", *nf.Calories)
	}

	unidentified := el.IsUnidentified != nil && *el.IsUnidentified

	name := ""
	if nf.Name != nil {
		name = strings.TrimSpace(*nf.Name)
	}
	if name == "" {
		name = foodledger.UnlabeledFoodName
		unidentified = true
	}

	serving := defaultServing
	if nf.ServingSize != nil && strings.TrimSpace(*nf.ServingSize) != "" {
		serving = strings.TrimSpace(*nf.ServingSize)
	}

	return NewFood{
		Food: foodledger.FoodIdentity{
			Name:               name,
			ServingDescription: serving,
			Calories:           *nf.Calories,
			Protein:            nf.Protein,
			Carbs:              nf.Carbs,
			Fat:                nf.Fat,
		},
		Unidentified: unidentified,
		Multiplier:   multiplier,
		Notes:        notes,
	}, nil
}

func parseMatchID(raw json.RawMessage) (int, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false, fmt.Errorf("match_id is not a number: %s", string(raw))
	}
	if f != math.Trunc(f) {
		return 0, false, fmt.Errorf("match_id is not an integer: %g", f)
	}
	return int(f), true, nil
}
