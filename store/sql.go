package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"foodledger"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type foodRecord struct {
	Seq                uint   `gorm:"primaryKey;autoIncrement"`
	ID                 string `gorm:"uniqueIndex;not null"`
	Name               string `gorm:"not null"`
	ServingDescription string
	Calories           float64
	Protein            *float64
	Carbs              *float64
	Fat                *float64
}

func (foodRecord) TableName() string { return "foods" }

type accountRecord struct {
	Username     string `gorm:"primaryKey"`
	CalorieGoal  float64
	Timezone     string
	LastLoggedAt *time.Time
}

func (accountRecord) TableName() string { return "accounts" }

type logRecord struct {
	Seq                uint   `gorm:"primaryKey;autoIncrement"`
	ID                 string `gorm:"uniqueIndex;not null"`
	Username           string `gorm:"index;not null"`
	FoodRef            string
	Snapshot           datatypes.JSON
	QuantityMultiplier float64
	Notes              string
	LoggedAt           time.Time
}

func (logRecord) TableName() string { return "log_entries" }

type historyRecord struct {
	Username string `gorm:"primaryKey"`
	DateKey  string `gorm:"primaryKey"`
	Calories float64
}

func (historyRecord) TableName() string { return "calorie_history" }

// SQL stores the catalog and accounts in a gorm database.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the SQLite database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite allows a single writer and every ":memory:" connection is a
	// separate database, so keep one connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access SQLite connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewSQL(db)
}

// NewSQL migrates db and wraps it.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&foodRecord{}, &accountRecord{}, &logRecord{}, &historyRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQL) Catalog() *SQLCatalog { return &SQLCatalog{db: s.db} }

func (s *SQL) Accounts() *SQLAccounts { return &SQLAccounts{db: s.db} }

func dbError(op string, err error) error {
	return foodledger.NewError(foodledger.KindPersistence, op, err)
}

// SQLCatalog is the CatalogStore backed by the foods table.
type SQLCatalog struct {
	db *gorm.DB
}

func (c *SQLCatalog) Get(ctx context.Context, id string) (foodledger.FoodIdentity, bool, error) {
	var recs []foodRecord
	if err := c.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&recs).Error; err != nil {
		return foodledger.FoodIdentity{}, false, dbError("catalog.get", err)
	}
	if len(recs) == 0 {
		return foodledger.FoodIdentity{}, false, nil
	}
	return recs[0].toIdentity(), true, nil
}

func (c *SQLCatalog) Insert(ctx context.Context, food foodledger.FoodIdentity) (foodledger.FoodIdentity, error) {
	if food.ID == "" {
		food.ID = uuid.NewString()
	}
	rec := newFoodRecord(food)
	if err := c.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return foodledger.FoodIdentity{}, dbError("catalog.insert", err)
	}
	return rec.toIdentity(), nil
}

func (c *SQLCatalog) Update(ctx context.Context, id string, patch foodledger.FoodPatch) (foodledger.FoodIdentity, error) {
	var out foodledger.FoodIdentity
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec foodRecord
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			return err
		}
		updated := newFoodRecord(patch.Apply(rec.toIdentity()))
		updated.Seq = rec.Seq
		if err := tx.Save(&updated).Error; err != nil {
			return err
		}
		out = updated.toIdentity()
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return foodledger.FoodIdentity{}, foodledger.Errorf(foodledger.KindInput, "catalog.update", "food %s not found", id)
	}
	if err != nil {
		return foodledger.FoodIdentity{}, dbError("catalog.update", err)
	}
	return out, nil
}

func (c *SQLCatalog) Delete(ctx context.Context, id string) error {
	res := c.db.WithContext(ctx).Where("id = ?", id).Delete(&foodRecord{})
	if res.Error != nil {
		return dbError("catalog.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return foodledger.Errorf(foodledger.KindInput, "catalog.delete", "food %s not found", id)
	}
	return nil
}

func (c *SQLCatalog) ListAll(ctx context.Context) ([]foodledger.FoodIdentity, error) {
	var recs []foodRecord
	if err := c.db.WithContext(ctx).Order("seq").Find(&recs).Error; err != nil {
		return nil, dbError("catalog.list", err)
	}
	out := make([]foodledger.FoodIdentity, len(recs))
	for i, r := range recs {
		out[i] = r.toIdentity()
	}
	return out, nil
}

func newFoodRecord(f foodledger.FoodIdentity) foodRecord {
	f = f.Clone()
	return foodRecord{
		ID:                 f.ID,
		Name:               f.Name,
		ServingDescription: f.ServingDescription,
		Calories:           f.Calories,
		Protein:            f.Protein,
		Carbs:              f.Carbs,
		Fat:                f.Fat,
	}
}

func (r foodRecord) toIdentity() foodledger.FoodIdentity {
	return foodledger.FoodIdentity{
		ID:                 r.ID,
		Name:               r.Name,
		ServingDescription: r.ServingDescription,
		Calories:           r.Calories,
		Protein:            r.Protein,
		Carbs:              r.Carbs,
		Fat:                r.Fat,
	}.Clone()
}

// SQLAccounts is the AccountStore backed by the accounts, log_entries and
// calorie_history tables.
type SQLAccounts struct {
	db *gorm.DB
}

func (a *SQLAccounts) Get(ctx context.Context, username string) (foodledger.Account, bool, error) {
	var acct foodledger.Account
	found := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []accountRecord
		if err := tx.Where("username = ?", username).Limit(1).Find(&recs).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		found = true

		var logs []logRecord
		if err := tx.Where("username = ?", username).Order("seq").Find(&logs).Error; err != nil {
			return err
		}
		var history []historyRecord
		if err := tx.Where("username = ?", username).Find(&history).Error; err != nil {
			return err
		}

		acct = foodledger.Account{
			Username:       recs[0].Username,
			CalorieGoal:    recs[0].CalorieGoal,
			Timezone:       recs[0].Timezone,
			Logs:           make([]foodledger.FoodLogEntry, 0, len(logs)),
			CalorieHistory: make(map[string]float64, len(history)),
			LastLoggedAt:   recs[0].LastLoggedAt,
		}
		for _, l := range logs {
			e, err := l.toEntry()
			if err != nil {
				return err
			}
			acct.Logs = append(acct.Logs, e)
		}
		for _, h := range history {
			acct.CalorieHistory[h.DateKey] = h.Calories
		}
		return nil
	})
	if err != nil {
		return foodledger.Account{}, false, dbError("account.get", err)
	}
	return acct, found, nil
}

func (a *SQLAccounts) CreateDefault(ctx context.Context, username string) (foodledger.Account, error) {
	def := foodledger.NewAccount(username)
	rec := accountRecord{Username: username, CalorieGoal: def.CalorieGoal, Timezone: def.Timezone}
	if err := a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return foodledger.Account{}, dbError("account.create", err)
	}
	acct, _, err := a.Get(ctx, username)
	return acct, err
}

func (a *SQLAccounts) AppendLog(ctx context.Context, username string, entry foodledger.FoodLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	rec, err := newLogRecord(username, entry)
	if err != nil {
		return dbError("account.append", err)
	}
	return a.withAccount(ctx, "account.append", username, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
}

func (a *SQLAccounts) UpdateLogEntry(ctx context.Context, username, entryID string, patch foodledger.LogPatch) (foodledger.FoodLogEntry, error) {
	var out foodledger.FoodLogEntry
	err := a.withAccount(ctx, "account.update_log", username, func(tx *gorm.DB) error {
		var recs []logRecord
		if err := tx.Where("username = ? AND id = ?", username, entryID).Limit(1).Find(&recs).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return foodledger.Errorf(foodledger.KindInput, "account.update_log", "log entry %s not found", entryID)
		}
		rec := recs[0]
		if patch.QuantityMultiplier != nil {
			rec.QuantityMultiplier = *patch.QuantityMultiplier
		}
		if patch.Notes != nil {
			rec.Notes = *patch.Notes
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		e, err := rec.toEntry()
		out = e
		return err
	})
	return out, err
}

func (a *SQLAccounts) RemoveLogEntries(ctx context.Context, username string, ids []string) error {
	return a.withAccount(ctx, "account.remove_logs", username, func(tx *gorm.DB) error {
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("username = ? AND id IN ?", username, ids).Delete(&logRecord{}).Error
	})
}

func (a *SQLAccounts) MergeHistory(ctx context.Context, username string, totals map[string]float64) error {
	return a.withAccount(ctx, "account.merge_history", username, func(tx *gorm.DB) error {
		return upsertHistory(tx, username, totals)
	})
}

func (a *SQLAccounts) FoldHistory(ctx context.Context, username string, totals map[string]float64, removeIDs, evictKeys []string) error {
	return a.withAccount(ctx, "account.fold_history", username, func(tx *gorm.DB) error {
		if err := upsertHistory(tx, username, totals); err != nil {
			return err
		}
		if len(evictKeys) > 0 {
			if err := tx.Where("username = ? AND date_key IN ?", username, evictKeys).Delete(&historyRecord{}).Error; err != nil {
				return err
			}
		}
		if len(removeIDs) > 0 {
			return tx.Where("username = ? AND id IN ?", username, removeIDs).Delete(&logRecord{}).Error
		}
		return nil
	})
}

// upsertHistory upserts totals in date order, adding to existing rows.
func upsertHistory(tx *gorm.DB, username string, totals map[string]float64) error {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rec := historyRecord{Username: username, DateKey: k, Calories: totals[k]}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}, {Name: "date_key"}},
			DoUpdates: clause.Assignments(map[string]any{"calories": gorm.Expr("calories + excluded.calories")}),
		}).Create(&rec).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *SQLAccounts) SetField(ctx context.Context, username string, field foodledger.AccountField, value any) error {
	// Validate through the same rules as the in-memory store.
	var staged foodledger.Account
	if err := applyField(&staged, field, value); err != nil {
		return err
	}

	var column string
	var v any
	switch field {
	case foodledger.FieldCalorieGoal:
		column, v = "calorie_goal", staged.CalorieGoal
	case foodledger.FieldTimezone:
		column, v = "timezone", staged.Timezone
	case foodledger.FieldLastLoggedAt:
		column, v = "last_logged_at", *staged.LastLoggedAt
	}

	return a.withAccount(ctx, "account.set_field", username, func(tx *gorm.DB) error {
		return tx.Model(&accountRecord{}).Where("username = ?", username).Update(column, v).Error
	})
}

// withAccount runs fn in a transaction after checking that the account exists.
func (a *SQLAccounts) withAccount(ctx context.Context, op, username string, fn func(tx *gorm.DB) error) error {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&accountRecord{}).Where("username = ?", username).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return foodledger.Errorf(foodledger.KindInput, op, "account %q not found", username)
		}
		return fn(tx)
	})
	if err == nil {
		return nil
	}
	if foodledger.KindOf(err) != "" {
		return err
	}
	return dbError(op, err)
}

func newLogRecord(username string, e foodledger.FoodLogEntry) (logRecord, error) {
	rec := logRecord{
		ID:                 e.ID,
		Username:           username,
		FoodRef:            e.FoodRef,
		QuantityMultiplier: e.QuantityMultiplier,
		Notes:              e.Notes,
		LoggedAt:           e.LoggedAt.UTC(),
	}
	if e.Snapshot != nil {
		b, err := json.Marshal(e.Snapshot)
		if err != nil {
			return logRecord{}, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		rec.Snapshot = datatypes.JSON(b)
	}
	return rec, nil
}

func (r logRecord) toEntry() (foodledger.FoodLogEntry, error) {
	e := foodledger.FoodLogEntry{
		ID:                 r.ID,
		FoodRef:            r.FoodRef,
		QuantityMultiplier: r.QuantityMultiplier,
		Notes:              r.Notes,
		LoggedAt:           r.LoggedAt.UTC(),
	}
	if len(r.Snapshot) > 0 && string(r.Snapshot) != "null" {
		var snap foodledger.FoodIdentity
		if err := json.Unmarshal(r.Snapshot, &snap); err != nil {
			return foodledger.FoodLogEntry{}, fmt.Errorf("failed to unmarshal snapshot of %s: %w", r.ID, err)
		}
		e.Snapshot = &snap
	}
	return e, nil
}
