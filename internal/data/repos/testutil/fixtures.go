package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
)

func SeedSession(tb testing.TB, ctx context.Context, tx *gorm.DB, state types.SessionState, request string) *types.BuildSession {
	tb.Helper()
	s := &types.BuildSession{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		RequestText: request,
		State:       state,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed session: %v", err)
	}
	return s
}

func SeedLibraryItem(tb testing.TB, ctx context.Context, tx *gorm.DB, category, strategy, body string, embedding []float32) *types.LibraryItem {
	tb.Helper()
	raw, err := json.Marshal(embedding)
	if err != nil {
		tb.Fatalf("marshal embedding: %v", err)
	}
	it := &types.LibraryItem{
		ID:        uuid.New(),
		Category:  category,
		Strategy:  strategy,
		Title:     category + " template",
		Body:      body,
		Embedding: datatypes.JSON(raw),
	}
	if err := tx.WithContext(ctx).Create(it).Error; err != nil {
		tb.Fatalf("seed library item: %v", err)
	}
	return it
}

func SeedDeployment(tb testing.TB, ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, tier types.DeploymentTier, status types.DeploymentStatus, subdomain string) *types.Deployment {
	tb.Helper()
	d := &types.Deployment{
		ID:        uuid.New(),
		SessionID: sessionID,
		Tier:      tier,
		Subdomain: subdomain,
		Status:    status,
		Manifest:  datatypes.JSON([]byte("{}")),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		tb.Fatalf("seed deployment: %v", err)
	}
	return d
}
