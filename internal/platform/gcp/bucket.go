package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

// SiteBucket is a sitestore.Store backed by a single GCS bucket.
type SiteBucket struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

var _ sitestore.Store = (*SiteBucket)(nil)

func NewSiteBucket(ctx context.Context, log *logger.Logger, cfg ObjectStorageConfig) (*SiteBucket, error) {
	if err := ValidateObjectStorageConfig(cfg); err != nil {
		return nil, err
	}
	client, err := newStorageClientForMode(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	log.Info("site bucket ready", "bucket", cfg.Bucket, "mode", string(cfg.Mode))
	return &SiteBucket{
		log:    log.With("service", "SiteBucket"),
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
	}, nil
}

func newStorageClientForMode(ctx context.Context, cfg ObjectStorageConfig) (*storage.Client, error) {
	if cfg.IsEmulatorMode() {
		endpoint := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := ClientOptions(cfg.Credentials)
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	return storage.NewClient(ctx, opts...)
}

func (b *SiteBucket) Put(ctx context.Context, key string, body io.Reader) error {
	k, ok := sitestore.CleanKey(key)
	if !ok {
		return fmt.Errorf("gcs: invalid key %q", key)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(k).NewWriter(ctx)
	w.ContentType = sitestore.ContentTypeFor(k)
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

func (b *SiteBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	k, ok := sitestore.CleanKey(key)
	if !ok {
		return nil, sitestore.ErrNotExist
	}
	// The reader outlives this call; cancel only once it is closed.
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := b.client.Bucket(b.bucket).Object(k).NewReader(ctx2)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, sitestore.ErrNotExist
		}
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (b *SiteBucket) Delete(ctx context.Context, key string) error {
	k, ok := sitestore.CleanKey(key)
	if !ok {
		return fmt.Errorf("gcs: invalid key %q", key)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := b.client.Bucket(b.bucket).Object(k).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %q in bucket %q: %w", k, b.bucket, err)
	}
	return nil
}

func (b *SiteBucket) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (b *SiteBucket) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	b.log.Debug("deleted prefix", "prefix", prefix, "count", len(keys))
	return nil
}

func (b *SiteBucket) Close() error {
	return b.client.Close()
}
