// Package disambiguate asks a completion service to pick among candidate
// identities for a submission and validates what comes back.
package disambiguate

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"foodledger"
	"foodledger/aggregate"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// Request is the structured input of a completion call. Offered candidates
// are numbered by their index, which the reply uses as match_id.
type Request struct {
	Submission string
	Mentions   []MentionBlock
	Offered    []foodledger.Candidate
}

// MentionBlock ties a mention to the indices of its offered candidates.
type MentionBlock struct {
	Mention aggregate.Mention
	Indices []int
}

// BuildRequest flattens the aggregated groups into one offered list. A
// candidate appearing under several mentions is offered once.
func BuildRequest(submission string, groups []aggregate.Group) Request {
	req := Request{Submission: strings.TrimSpace(submission)}
	index := make(map[string]int)

	for _, g := range groups {
		block := MentionBlock{Mention: g.Mention, Indices: make([]int, 0, len(g.Candidates))}
		for _, c := range g.Candidates {
			k := aggregate.Key(c)
			i, ok := index[k]
			if !ok {
				i = len(req.Offered)
				index[k] = i
				req.Offered = append(req.Offered, c)
			}
			block.Indices = append(block.Indices, i)
		}
		req.Mentions = append(req.Mentions, block)
	}
	return req
}

// ReplySchema describes the JSON array the completion service must return.
func ReplySchema() *jsonschema.Schema {
	zero := 0.0
	return &jsonschema.Schema{
		Type: "array",
		Items: &jsonschema.Schema{
			Type:        "object",
			Description: "Either match_id for an offered candidate or new_food for anything else.",
			Properties: map[string]*jsonschema.Schema{
				"match_id": {
					Type:        "integer",
					Description: "Index of the offered candidate.",
					Minimum:     &zero,
				},
				"multiplier": {
					Type:             "number",
					Description:      "Servings eaten relative to the serving size (2x a 1-cup item = double calories).",
					ExclusiveMinimum: &zero,
				},
				"notes": {Type: "string"},
				"is_unidentified": {
					Type:        "boolean",
					Description: "True when the food cannot be named, such as a bare calorie count.",
				},
				"new_food": {
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"name":         {Type: "string"},
						"serving_size": {Type: "string", Description: "Quantity and units. Quantity should be 1 unless units are grams, ounces, etc."},
						"calories":     {Type: "number", Minimum: &zero},
						"protein":      {Type: "number", Minimum: &zero},
						"carbs":        {Type: "number", Minimum: &zero},
						"fat":          {Type: "number", Minimum: &zero},
					},
					Required: []string{"name", "serving_size", "calories"},
				},
			},
			Required: []string{"multiplier"},
		},
	}
}

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"clean": cleanField,
	"num":   formatNumber,
}).Parse(`Convert this food description into JSON: "{{ clean .Submission }}"
{{ if .Mentions }}
Foods mentioned:
{{- range .Mentions }}
- {{ clean .Mention.Name }}{{ with .Mention.Quantity }} ({{ clean . }}){{ end }}{{ with .Mention.EstimatedCalories }}, about {{ num . }} kcal{{ end }}: {{ if .Indices }}candidates {{ range $i, $id := .Indices }}{{ if $i }}, {{ end }}{{ $id }}{{ end }}{{ else }}no candidates{{ end }}
{{- end }}
{{ end }}
{{- if .Offered }}
{{ len .Offered }} Possible Matches:
id, name, serving, calories
{{- range $i, $c := .Offered }}
{{ $i }}, {{ clean $c.Food.Name }}, {{ clean $c.Food.ServingDescription }}, {{ num $c.Food.Calories }}
{{- end }}
{{ else }}
No matches found
{{ end }}
Respond with a JSON ARRAY ONLY and be as accurate as possible with calories and quantity.
- Use "match_id" with the id of a possible match when one fits.
- If no relevant match is found, omit "match_id" and include "new_food" instead.
- If the user enters something generic like "260 calories", add a "new_food" with no name and set "is_unidentified" to true.
- "multiplier" is the number of servings eaten relative to the serving size.

The reply must validate against this JSON Schema:
{{ .Schema }}
`))

// Prompt renders the request as completion-service text.
func (r Request) Prompt() (string, error) {
	schema, err := json.MarshalIndent(ReplySchema(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply schema: %w", err)
	}

	var b strings.Builder
	err = promptTemplate.Execute(&b, struct {
		Request
		Schema string
	}{Request: r, Schema: string(schema)})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return b.String(), nil
}

// cleanField keeps user and catalog text on one line and out of the
// delimiters used by the prompt.
func cleanField(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ", ",", " ", `"`, `'`).Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func formatNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return fmt.Sprintf("%g", n)
	case *float64:
		if n == nil {
			return ""
		}
		return fmt.Sprintf("%g", *n)
	}
	return fmt.Sprint(v)
}
