// Package reconcile turns free-text food submissions into ledger entries.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"foodledger"
	"foodledger/aggregate"
	"foodledger/disambiguate"
	"foodledger/ledger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	MsgNoFood      = "No food items provided."
	MsgRateLimited = "AI is temporarily unavailable (rate limit exceeded). Please try again later."
)

// Deps are the collaborators of an Engine. Catalog, Accounts and Completer
// are required.
type Deps struct {
	Catalog   foodledger.CatalogStore
	Accounts  foodledger.AccountStore
	Completer foodledger.Completer

	// Segmenter splits submissions into mentions. Nil treats the whole
	// submission as one mention.
	Segmenter *disambiguate.Segmenter
	// Lookup is consulted for mentions without catalog matches. May be nil.
	Lookup foodledger.NutritionLookup
	// Ledger defaults to ledger.New(Catalog, Accounts).
	Ledger *ledger.Ledger
	Logger foodledger.ResolutionLogger

	Aggregate         aggregate.Options
	CompletionTimeout time.Duration

	Tracer trace.Tracer
	Meter  metric.Meter
	Clock  func() time.Time
}

type Engine struct {
	catalog    foodledger.CatalogStore
	accounts   foodledger.AccountStore
	aggregator *aggregate.Aggregator
	protocol   *disambiguate.Protocol
	segmenter  *disambiguate.Segmenter
	ledger     *ledger.Ledger
	locks      *foodledger.AccountLocks
	logger     foodledger.ResolutionLogger
	tracer     trace.Tracer
	now        func() time.Time
	metrics    engineMetrics
}

type engineMetrics struct {
	submissions        metric.Int64Counter
	entriesLogged      metric.Int64Counter
	fallbacks          metric.Int64Counter
	completionFailures metric.Int64Counter
	completionDuration metric.Float64Histogram
	rollovers          metric.Int64Counter
	rolledOver         metric.Int64Counter
}

func New(deps Deps) (*Engine, error) {
	if deps.Catalog == nil || deps.Accounts == nil || deps.Completer == nil {
		return nil, foodledger.Errorf(foodledger.KindConfiguration, "reconcile.new", "catalog, accounts and completer are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(deps.Catalog, deps.Accounts)
	}
	if deps.Logger == nil {
		deps.Logger = foodledger.NewNoOpResolutionLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(foodledger.TracerNameEngine)
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter(foodledger.TracerNameEngine)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Engine{
		catalog:    deps.Catalog,
		accounts:   deps.Accounts,
		aggregator: aggregate.New(deps.Catalog, deps.Lookup, deps.Aggregate),
		protocol:   disambiguate.NewProtocol(deps.Completer, deps.CompletionTimeout),
		segmenter:  deps.Segmenter,
		ledger:     deps.Ledger,
		locks:      foodledger.NewAccountLocks(),
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		now:        deps.Clock,
	}

	m := deps.Meter
	e.metrics.submissions, _ = m.Int64Counter("ledger_submissions_total",
		metric.WithDescription("Total number of food submissions received"))
	e.metrics.entriesLogged, _ = m.Int64Counter("ledger_entries_logged_total",
		metric.WithDescription("Total number of log entries appended"))
	e.metrics.fallbacks, _ = m.Int64Counter("ledger_fallbacks_total",
		metric.WithDescription("Total number of submissions resolved by fallback"))
	e.metrics.completionFailures, _ = m.Int64Counter("completion_failures_total",
		metric.WithDescription("Total number of failed disambiguation round trips"))
	e.metrics.completionDuration, _ = m.Float64Histogram("completion_duration_seconds",
		metric.WithDescription("Duration of disambiguation round trips in seconds"))
	e.metrics.rollovers, _ = m.Int64Counter("ledger_rollovers_total",
		metric.WithDescription("Total number of rollovers run"))
	e.metrics.rolledOver, _ = m.Int64Counter("ledger_rolled_over_entries_total",
		metric.WithDescription("Total number of log entries folded into history"))

	return e, nil
}

// Outcome is the user-facing result of a submission.
type Outcome struct {
	LoggedCount int                       `json:"logged_count"`
	Message     string                    `json:"message"`
	Entries     []foodledger.FoodLogEntry `json:"entries,omitempty"`
	Fallback    bool                      `json:"fallback,omitempty"`
}

// LogSubmission resolves text into log entries for username. Completion
// failures are reported through the Outcome; only store failures are
// returned as errors.
func (e *Engine) LogSubmission(ctx context.Context, username, text string) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.LogSubmission", trace.WithAttributes(attribute.String("username", username)))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		slog.Info("ENGINE: Empty submission", "username", username)
		return Outcome{Message: MsgNoFood}, nil
	}
	e.metrics.submissions.Add(ctx, 1)

	unlock := e.locks.Lock(username)
	defer unlock()

	rec := foodledger.ResolutionLog{Username: username, Timestamp: e.now().UTC(), Submission: text}
	defer e.logResolution(&rec)

	out, err := e.logSubmission(ctx, username, text, &rec)
	if err != nil {
		rec.Error = err.Error()
		span.SetStatus(codes.Error, "Submission failed")
		span.RecordError(err)
		return Outcome{}, err
	}

	rec.LoggedCount = out.LoggedCount
	rec.Fallback = out.Fallback
	span.SetAttributes(attribute.Int("logged_count", out.LoggedCount), attribute.Bool("fallback", out.Fallback))
	return out, nil
}

func (e *Engine) logSubmission(ctx context.Context, username, text string, rec *foodledger.ResolutionLog) (Outcome, error) {
	if _, err := e.ensureAccount(ctx, username); err != nil {
		return Outcome{}, err
	}

	mentions := e.mentions(ctx, text)
	rec.Mentions = len(mentions)

	groups, err := e.aggregator.Aggregate(ctx, mentions)
	if err != nil {
		return Outcome{}, err
	}
	rec.Candidates = aggregate.Count(groups)

	req := disambiguate.BuildRequest(text, groups)

	start := time.Now()
	ex, err := e.protocol.Resolve(ctx, req)
	e.metrics.completionDuration.Record(ctx, time.Since(start).Seconds())
	rec.Prompt, rec.Reply = ex.Prompt, ex.Reply
	for _, s := range ex.Skipped() {
		rec.Skipped = append(rec.Skipped, s.Error())
	}

	if err != nil {
		kind := foodledger.KindOf(err)
		e.metrics.completionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
		rec.Error = err.Error()
		return e.fallback(ctx, username, groups, err)
	}

	resolutions := ex.Resolutions()
	rec.Resolutions = resolutions

	entries, err := e.materialize(ctx, req, resolutions)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.appendAll(ctx, username, entries); err != nil {
		return Outcome{}, err
	}

	slog.Info("ENGINE: Submission logged", "username", username, "mentions", len(mentions), "entries", len(entries))
	return Outcome{
		LoggedCount: len(entries),
		Message:     fmt.Sprintf("Successfully logged %d items", len(entries)),
		Entries:     entries,
	}, nil
}

// mentions segments text when a segmenter is configured. Any segmentation
// failure falls back to the whole submission as a single mention.
func (e *Engine) mentions(ctx context.Context, text string) []aggregate.Mention {
	whole := []aggregate.Mention{{Name: text}}
	if e.segmenter == nil {
		return whole
	}
	mentions, err := e.segmenter.Segment(ctx, text)
	if err != nil {
		slog.Warn("ENGINE: Segmentation failed, using whole submission", "error", err)
		return whole
	}
	return mentions
}

// materialize turns resolutions into entries, persisting catalog identities
// where needed. An external candidate matched twice is inserted once.
func (e *Engine) materialize(ctx context.Context, req disambiguate.Request, resolutions []disambiguate.Resolution) ([]foodledger.FoodLogEntry, error) {
	persisted := make(map[int]foodledger.FoodIdentity)
	now := e.now().UTC()

	entries := make([]foodledger.FoodLogEntry, 0, len(resolutions))
	for _, res := range resolutions {
		var (
			food       foodledger.FoodIdentity
			ref        string
			multiplier float64
			notes      string
		)

		switch r := res.(type) {
		case disambiguate.Match:
			multiplier, notes = r.Multiplier, r.Notes
			food = r.Candidate.Food.Clone()
			if r.Candidate.External || food.ID == "" {
				if p, ok := persisted[r.Index]; ok {
					food = p
				} else {
					inserted, err := e.catalog.Insert(ctx, food)
					if err != nil {
						return nil, err
					}
					slog.Info("ENGINE: Persisted external match", "id", inserted.ID, "name", inserted.Name)
					persisted[r.Index] = inserted
					food = inserted
				}
			}
			ref = food.ID

		case disambiguate.NewFood:
			multiplier, notes = r.Multiplier, r.Notes
			food = r.Food.Clone()
			if !r.Unidentified {
				inserted, err := e.catalog.Insert(ctx, food)
				if err != nil {
					return nil, err
				}
				slog.Info("ENGINE: Added new food", "id", inserted.ID, "name", inserted.Name)
				food = inserted
				ref = food.ID
			}

		default:
			return nil, fmt.Errorf("unknown resolution type %T", res)
		}

		snapshot := food.Clone()
		entries = append(entries, foodledger.FoodLogEntry{
			FoodRef:            ref,
			Snapshot:           &snapshot,
			QuantityMultiplier: multiplier,
			Notes:              notes,
			LoggedAt:           now,
		})
	}
	return entries, nil
}

// fallback logs at most one entry, for the best aggregated candidate, after
// a failed round trip.
func (e *Engine) fallback(ctx context.Context, username string, groups []aggregate.Group, cause error) (Outcome, error) {
	reason := Reason(cause)
	kind := foodledger.KindOf(cause)

	best, ok := aggregate.Best(groups)
	if !ok {
		slog.Warn("ENGINE: Completion failed and no candidates to fall back on", "username", username, "kind", kind, "error", cause)
		return Outcome{Message: reason}, nil
	}

	food := best.Food.Clone()
	snapshot := food.Clone()
	entry := foodledger.FoodLogEntry{
		Snapshot:           &snapshot,
		QuantityMultiplier: 1,
		Notes:              fmt.Sprintf("auto-logged best match after %s", kind),
		LoggedAt:           e.now().UTC(),
	}
	// External candidates are not persisted on fallback; the snapshot carries them.
	if !best.External {
		entry.FoodRef = food.ID
	}

	entries := []foodledger.FoodLogEntry{entry}
	if err := e.appendAll(ctx, username, entries); err != nil {
		return Outcome{}, err
	}

	e.metrics.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(kind))))
	slog.Warn("ENGINE: Logged fallback entry", "username", username, "food", food.Name, "confidence", best.Confidence, "kind", kind)

	return Outcome{
		LoggedCount: 1,
		Message:     "Logged 1 item with errors:\n" + reason,
		Entries:     entries,
		Fallback:    true,
	}, nil
}

func (e *Engine) appendAll(ctx context.Context, username string, entries []foodledger.FoodLogEntry) error {
	for _, entry := range entries {
		if err := e.accounts.AppendLog(ctx, username, entry); err != nil {
			return err
		}
	}
	if len(entries) == 0 {
		return nil
	}
	e.metrics.entriesLogged.Add(ctx, int64(len(entries)))
	return e.accounts.SetField(ctx, username, foodledger.FieldLastLoggedAt, entries[len(entries)-1].LoggedAt)
}

// Reason renders a completion failure as user-facing text.
func Reason(err error) string {
	switch foodledger.KindOf(err) {
	case foodledger.KindRateLimited:
		return MsgRateLimited
	case foodledger.KindMalformedReply:
		return "Error logging food: the AI reply could not be understood (" + err.Error() + ")"
	}
	if err != nil && foodledger.IsRateLimitMessage(err.Error()) {
		return MsgRateLimited
	}
	return "Error logging food: " + err.Error()
}

func (e *Engine) logResolution(rec *foodledger.ResolutionLog) {
	if err := e.logger.LogResolution(*rec); err != nil {
		slog.Error("ENGINE: Failed to log resolution", "error", err, "username", rec.Username)
	}
}

func (e *Engine) ensureAccount(ctx context.Context, username string) (foodledger.Account, error) {
	if strings.TrimSpace(username) == "" {
		return foodledger.Account{}, foodledger.Errorf(foodledger.KindInput, "reconcile.account", "username is required")
	}
	acct, ok, err := e.accounts.Get(ctx, username)
	if err != nil {
		return foodledger.Account{}, err
	}
	if ok {
		return acct, nil
	}
	slog.Info("ENGINE: Creating account", "username", username)
	return e.accounts.CreateDefault(ctx, username)
}
