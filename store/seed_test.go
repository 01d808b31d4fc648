package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodledger"
)

const seedJSON = `{"foods": [
	{"id": "banana", "name": "Banana", "serving_size": "1 medium", "calories": 105},
	{"name": "Greek Yogurt", "serving_size": "170 g", "calories": 100, "protein": 17},
	{"name": "", "calories": 1}
]}`

type fakeS3 struct {
	body   []byte
	err    error
	bucket string
	key    string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = aws.ToString(in.Bucket), aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func TestFileCatalogSeed(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "foods.json")
	require.NoError(t, os.WriteFile(path, []byte(seedJSON), 0644))

	data, err := NewFileCatalogSeed(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(seedJSON), data)

	_, err = NewFileCatalogSeed(filepath.Join(tmpDir, "nonexistent.json")).Load(context.Background())
	assert.True(t, os.IsNotExist(err))
}

func TestS3CatalogSeed(t *testing.T) {
	t.Run("reads object", func(t *testing.T) {
		client := &fakeS3{body: []byte(seedJSON)}
		data, err := NewS3CatalogSeed(client, "bucket", "seed/foods.json").Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte(seedJSON), data)
		assert.Equal(t, "bucket", client.bucket)
		assert.Equal(t, "seed/foods.json", client.key)
	})

	t.Run("wraps error", func(t *testing.T) {
		_, err := NewS3CatalogSeed(&fakeS3{err: errors.New("access denied")}, "b", "k").Load(context.Background())
		assert.ErrorContains(t, err, "failed to get catalog seed object from S3: access denied")
	})
}

func TestSeedCatalog(t *testing.T) {
	ctx := context.Background()

	t.Run("empty catalog is seeded", func(t *testing.T) {
		cs := NewMemoryCatalog()
		n, err := SeedCatalog(ctx, cs, NewStaticCatalogSeed([]byte(seedJSON)))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := cs.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "banana", all[0].ID)
		assert.Equal(t, "Greek Yogurt", all[1].Name)
		require.NotNil(t, all[1].Protein)
		assert.Equal(t, 17.0, *all[1].Protein)
	})

	t.Run("populated catalog is untouched", func(t *testing.T) {
		cs := NewMemoryCatalog(foodledger.FoodIdentity{Name: "Rice", Calories: 200})
		n, err := SeedCatalog(ctx, cs, NewStaticCatalogSeedWithError())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("load failure", func(t *testing.T) {
		_, err := SeedCatalog(ctx, NewMemoryCatalog(), NewStaticCatalogSeedWithError())
		assert.ErrorContains(t, err, "failed to load catalog seed")
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := SeedCatalog(ctx, NewMemoryCatalog(), NewStaticCatalogSeed([]byte("not json")))
		assert.ErrorContains(t, err, "failed to decode catalog seed")
	})
}
