package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"foodledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CatalogSeed yields a JSON document of starter foods.
type CatalogSeed interface {
	Load(ctx context.Context) ([]byte, error)
}

type FileCatalogSeed struct {
	FilePath string
}

func NewFileCatalogSeed(filePath string) *FileCatalogSeed {
	return &FileCatalogSeed{FilePath: filePath}
}

func (s *FileCatalogSeed) Load(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.FilePath)
}

type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3CatalogSeed reads the seed document from an S3 object.
type S3CatalogSeed struct {
	bucket string
	key    string
	s3     s3GetObjectAPI
}

func NewS3CatalogSeed(s3Client s3GetObjectAPI, bucket, key string) *S3CatalogSeed {
	return &S3CatalogSeed{
		bucket: bucket,
		key:    key,
		s3:     s3Client,
	}
}

func (s *S3CatalogSeed) Load(ctx context.Context) ([]byte, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog seed object from S3: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// StaticCatalogSeed is a simple in-memory seed for testing
type StaticCatalogSeed struct {
	data []byte
	err  error
}

func NewStaticCatalogSeed(data []byte) *StaticCatalogSeed {
	return &StaticCatalogSeed{data: data}
}

func NewStaticCatalogSeedWithError() *StaticCatalogSeed {
	return &StaticCatalogSeed{err: errors.New("not found")}
}

func (s *StaticCatalogSeed) Load(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type seedDocument struct {
	Foods []foodledger.FoodIdentity `json:"foods"`
}

// SeedCatalog inserts the seed's foods into catalog when the catalog is empty
// and returns how many were inserted. A populated catalog is left untouched.
func SeedCatalog(ctx context.Context, catalog foodledger.CatalogStore, seed CatalogSeed) (int, error) {
	existing, err := catalog.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		slog.Info("SEED: Catalog already populated, skipping", "foods", len(existing))
		return 0, nil
	}

	data, err := seed.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load catalog seed: %w", err)
	}

	var doc seedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to decode catalog seed: %w", err)
	}

	inserted := 0
	for _, f := range doc.Foods {
		if f.Name == "" {
			slog.Warn("SEED: Skipping food without a name", "id", f.ID)
			continue
		}
		if _, err := catalog.Insert(ctx, f); err != nil {
			return inserted, err
		}
		inserted++
	}

	slog.Info("SEED: Catalog seeded", "foods", inserted)
	return inserted, nil
}
