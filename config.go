package foodledger

import "time"

type ModelConfig struct {
	Provider           string        `env:"LLM_PROVIDER,default=ollama"`
	ModelID            string        `env:"MODEL_ID"`
	FallbackModelID    string        `env:"FALLBACK_MODEL_ID"`
	MaxTokens          int32         `env:"MAX_TOKENS,default=1024"`
	Temperature        float32       `env:"TEMPERATURE,default=0.2"`
	TopP               float32       `env:"TOP_P,default=0.9"`
	BaseOllamaEndpoint string        `env:"BASE_OLLAMA_ENDPOINT,default=http://localhost:11434"`
	GeminiAPIKey       string        `env:"GEMINI_API_KEY"`
	CompletionTimeout  time.Duration `env:"COMPLETION_TIMEOUT,default=30s"`
}

type LedgerConfig struct {
	DatabasePath         string        `env:"LEDGER_DB_PATH,default=foodledger.db"`
	CatalogSeedPath      string        `env:"CATALOG_SEED_PATH"`
	TopN                 int           `env:"MATCH_TOP_N,default=20"`
	MinConfidence        float64       `env:"MATCH_MIN_CONFIDENCE,default=0.1"`
	MaxCandidates        int           `env:"MAX_CANDIDATES,default=6"`
	CalorieTolerance     float64       `env:"CALORIE_TOLERANCE,default=250"`
	LookupTimeout        time.Duration `env:"LOOKUP_TIMEOUT,default=5s"`
	LookupConcurrency    int           `env:"LOOKUP_CONCURRENCY,default=4"`
	HistoryRetentionDays int           `env:"HISTORY_RETENTION_DAYS,default=14"`
	SegmentMentions      bool          `env:"SEGMENT_MENTIONS,default=true"`
	SlackWebhookURL      string        `env:"SLACK_WEBHOOK_URL"`
	SlackChannel         string        `env:"SLACK_CHANNEL,default=#food-ledger"`
}

type LookupConfig struct {
	Enabled   bool          `env:"LOOKUP_ENABLED,default=true"`
	BaseURL   string        `env:"OFF_BASE_URL,default=https://world.openfoodfacts.org"`
	UserAgent string        `env:"OFF_USER_AGENT,default=foodledger/0.1"`
	PageSize  int           `env:"OFF_PAGE_SIZE,default=5"`
	CacheTTL  time.Duration `env:"OFF_CACHE_TTL,default=1h"`
	RateLimit float64       `env:"OFF_RATE_LIMIT,default=2"`
	Timeout   time.Duration `env:"OFF_TIMEOUT,default=10s"`
}

type SeedConfig struct {
	S3Bucket string `env:"CATALOG_S3_BUCKET"`
	S3Key    string `env:"CATALOG_S3_KEY"`
}
