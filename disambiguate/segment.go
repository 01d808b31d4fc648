package disambiguate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"foodledger"
	"foodledger/aggregate"
)

// Segmenter splits a free-text submission into individual food mentions
// with a lightweight completion call.
type Segmenter struct {
	completer foodledger.Completer
	timeout   time.Duration
}

func NewSegmenter(completer foodledger.Completer, timeout time.Duration) *Segmenter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Segmenter{completer: completer, timeout: timeout}
}

func segmentPrompt(text string) string {
	return fmt.Sprintf(`List the following food item(s) in CSV format (name,estimatedCalories,quantity,unit): "%s". Use singular, correct names (e.g., "cup of joe" -> "coffee"). Respond with CSV ONLY.`, cleanField(text))
}

// Segment returns the mentions found in text. It fails when the completion
// fails or yields no usable rows.
func (s *Segmenter) Segment(ctx context.Context, text string) ([]aggregate.Mention, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.completer.Complete(cctx, segmentPrompt(text))
	if err != nil {
		return nil, foodledger.NewError(foodledger.Classify(err), "segment.complete", err)
	}

	mentions, err := ParseSegments(reply)
	if err != nil {
		return nil, err
	}
	if len(mentions) == 0 {
		return nil, foodledger.Errorf(foodledger.KindMalformedReply, "segment.parse", "no food items in reply")
	}
	return mentions, nil
}

// ParseSegments reads name,estimatedCalories,quantity,unit rows. A header
// row and rows without a name are skipped.
func ParseSegments(reply string) ([]aggregate.Mention, error) {
	r := csv.NewReader(strings.NewReader(stripFences(reply)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true

	var out []aggregate.Mention
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, foodledger.NewError(foodledger.KindMalformedReply, "segment.parse", err)
		}

		name := strings.TrimSpace(field(rec, 0))
		if name == "" || strings.EqualFold(name, "name") {
			continue
		}

		m := aggregate.Mention{Name: name}
		if est, err := strconv.ParseFloat(strings.TrimSpace(field(rec, 1)), 64); err == nil && est >= 0 {
			m.EstimatedCalories = &est
		}
		m.Quantity = strings.TrimSpace(strings.Join([]string{strings.TrimSpace(field(rec, 2)), strings.TrimSpace(field(rec, 3))}, " "))
		out = append(out, m)
	}
	return out, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
