package disambiguate

import (
	"context"
	"log/slog"
	"time"

	"foodledger"
)

const DefaultTimeout = 30 * time.Second

// Protocol runs one completion round trip for a Request.
type Protocol struct {
	completer foodledger.Completer
	timeout   time.Duration
}

func NewProtocol(completer foodledger.Completer, timeout time.Duration) *Protocol {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Protocol{completer: completer, timeout: timeout}
}

// Exchange records a completed round trip.
type Exchange struct {
	Prompt  string
	Reply   string
	Results []Result
}

// Resolutions returns the valid resolutions in reply order.
func (e Exchange) Resolutions() []Resolution {
	return Valid(e.Results)
}

// Skipped returns the errors of the elements that failed validation.
func (e Exchange) Skipped() []error {
	var out []error
	for _, r := range e.Results {
		if r.Err != nil {
			out = append(out, r.Err)
		}
	}
	return out
}

// Resolve sends the request and parses the reply. The returned error is
// always a *foodledger.Error of kind RateLimited, ServiceUnavailable or
// MalformedReply. An array with no valid elements is not an error; it
// resolves to nothing.
func (p *Protocol) Resolve(ctx context.Context, req Request) (Exchange, error) {
	prompt, err := req.Prompt()
	if err != nil {
		return Exchange{}, foodledger.NewError(foodledger.KindMalformedReply, "disambiguate.prompt", err)
	}
	ex := Exchange{Prompt: prompt}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	reply, err := p.completer.Complete(cctx, prompt)
	if err != nil {
		kind := foodledger.Classify(err)
		switch kind {
		case foodledger.KindRateLimited, foodledger.KindMalformedReply:
		default:
			kind = foodledger.KindServiceUnavailable
		}
		slog.Error("DISAMBIGUATE: Completion failed", "kind", kind, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return ex, foodledger.NewError(kind, "disambiguate.complete", err)
	}
	ex.Reply = reply

	results, err := ParseReply(reply, req.Offered)
	if err != nil {
		slog.Error("DISAMBIGUATE: Malformed reply", "error", err, "reply_len", len(reply))
		return ex, err
	}
	ex.Results = results

	for _, skipped := range ex.Skipped() {
		slog.Warn("DISAMBIGUATE: Skipping invalid reply element", "error", skipped)
	}

	slog.Info("DISAMBIGUATE: Reply parsed",
		"elements", len(results),
		"resolutions", len(ex.Resolutions()),
		"elapsed_ms", time.Since(start).Milliseconds())

	return ex, nil
}
