package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/appforge-backend/internal/platform/gcp"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

var newSiteBucket = func(ctx context.Context, log *logger.Logger, cfg gcp.ObjectStorageConfig) (sitestore.Store, error) {
	return gcp.NewSiteBucket(ctx, log, cfg)
}

type StorageBootstrapErrorCode string

const (
	StorageBootstrapErrorInvalidBackend      StorageBootstrapErrorCode = "invalid_backend"
	StorageBootstrapErrorMissingBucket       StorageBootstrapErrorCode = "missing_bucket"
	StorageBootstrapErrorMissingEmulatorHost StorageBootstrapErrorCode = "missing_emulator_host"
	StorageBootstrapErrorInvalidEmulatorHost StorageBootstrapErrorCode = "invalid_emulator_host"
	StorageBootstrapErrorConnectFailed       StorageBootstrapErrorCode = "connect_failed"
)

type StorageBootstrapError struct {
	Code    StorageBootstrapErrorCode
	Backend string
	Cause   error
}

func (e *StorageBootstrapError) Error() string {
	if e == nil {
		return "site storage bootstrap failed"
	}
	return fmt.Sprintf("site storage bootstrap failed (code=%s backend=%q): %v", e.Code, e.Backend, e.Cause)
}

func (e *StorageBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveSiteStore picks the static-tier content store.
func resolveSiteStore(ctx context.Context, log *logger.Logger, cfg DeployConfig) (sitestore.Store, error) {
	switch cfg.StaticBackend {
	case "", "local":
		log.Info("selecting site store", "backend", "local", "root", cfg.SiteRoot)
		store, err := sitestore.NewLocal(cfg.SiteRoot)
		if err != nil {
			return nil, &StorageBootstrapError{Code: StorageBootstrapErrorConnectFailed, Backend: "local", Cause: err}
		}
		return store, nil
	case string(gcp.ObjectStorageModeGCS), string(gcp.ObjectStorageModeGCSEmulator):
	default:
		return nil, &StorageBootstrapError{
			Code:    StorageBootstrapErrorInvalidBackend,
			Backend: cfg.StaticBackend,
			Cause:   fmt.Errorf("unsupported static backend %q", cfg.StaticBackend),
		}
	}

	gcfg := gcp.ObjectStorageConfig{
		Mode:         gcp.ObjectStorageMode(cfg.StaticBackend),
		Bucket:       cfg.Bucket,
		EmulatorHost: cfg.EmulatorHost,
		Credentials:  cfg.Credentials,
	}
	log.Info("selecting site store", "backend", cfg.StaticBackend, "bucket", cfg.Bucket, "emulator_host", cfg.EmulatorHost)
	store, err := newSiteBucket(ctx, log, gcfg)
	if err != nil {
		classified := classifyStorageBootstrapError(cfg.StaticBackend, err)
		log.Error("site store bootstrap failed", "backend", cfg.StaticBackend, "error_code", storageBootstrapErrorCode(classified), "error", classified)
		return nil, classified
	}
	return store, nil
}

func classifyStorageBootstrapError(backend string, err error) error {
	code := StorageBootstrapErrorConnectFailed
	var cfgErr *gcp.ObjectStorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case gcp.ObjectStorageConfigErrorInvalidMode:
			code = StorageBootstrapErrorInvalidBackend
		case gcp.ObjectStorageConfigErrorMissingBucket:
			code = StorageBootstrapErrorMissingBucket
		case gcp.ObjectStorageConfigErrorMissingEmulatorHost:
			code = StorageBootstrapErrorMissingEmulatorHost
		case gcp.ObjectStorageConfigErrorInvalidEmulatorHost:
			code = StorageBootstrapErrorInvalidEmulatorHost
		}
	}
	return &StorageBootstrapError{Code: code, Backend: backend, Cause: err}
}

func storageBootstrapErrorCode(err error) StorageBootstrapErrorCode {
	var be *StorageBootstrapError
	if errors.As(err, &be) && be.Code != "" {
		return be.Code
	}
	return StorageBootstrapErrorConnectFailed
}
