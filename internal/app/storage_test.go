package app

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/appforge-backend/internal/platform/gcp"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

func TestClassifyStorageBootstrapError(t *testing.T) {
	cases := []struct {
		name string
		src  error
		want StorageBootstrapErrorCode
	}{
		{"invalid mode", &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidMode}, StorageBootstrapErrorInvalidBackend},
		{"missing bucket", &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingBucket}, StorageBootstrapErrorMissingBucket},
		{"missing emulator", &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingEmulatorHost}, StorageBootstrapErrorMissingEmulatorHost},
		{"bad emulator", &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidEmulatorHost}, StorageBootstrapErrorInvalidEmulatorHost},
		{"dial", errors.New("dial tcp: refused"), StorageBootstrapErrorConnectFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStorageBootstrapError("gcs", tc.src)
			if got := storageBootstrapErrorCode(err); got != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, got)
			}
			if !errors.Is(err, tc.src) {
				t.Fatalf("cause not preserved")
			}
		})
	}
}

func TestResolveSiteStoreLocal(t *testing.T) {
	store, err := resolveSiteStore(context.Background(), logger.Nop(), DeployConfig{StaticBackend: "local", SiteRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := store.(*sitestore.Local); !ok {
		t.Fatalf("want *sitestore.Local got=%T", store)
	}
}

func TestResolveSiteStoreRejectsUnknownBackend(t *testing.T) {
	_, err := resolveSiteStore(context.Background(), logger.Nop(), DeployConfig{StaticBackend: "s3"})
	if got := storageBootstrapErrorCode(err); got != StorageBootstrapErrorInvalidBackend {
		t.Fatalf("want=%q got=%q", StorageBootstrapErrorInvalidBackend, got)
	}
}

func TestResolveSiteStoreGCSUsesBucketFactory(t *testing.T) {
	orig := newSiteBucket
	defer func() { newSiteBucket = orig }()

	var seen gcp.ObjectStorageConfig
	newSiteBucket = func(ctx context.Context, log *logger.Logger, cfg gcp.ObjectStorageConfig) (sitestore.Store, error) {
		seen = cfg
		return nil, gcp.ValidateObjectStorageConfig(cfg)
	}
	_, err := resolveSiteStore(context.Background(), logger.Nop(), DeployConfig{StaticBackend: "gcs_emulator", Bucket: "sites"})
	if seen.Mode != gcp.ObjectStorageModeGCSEmulator || seen.Bucket != "sites" {
		t.Fatalf("factory saw %+v", seen)
	}
	if got := storageBootstrapErrorCode(err); got != StorageBootstrapErrorMissingEmulatorHost {
		t.Fatalf("want=%q got=%q", StorageBootstrapErrorMissingEmulatorHost, got)
	}
}
