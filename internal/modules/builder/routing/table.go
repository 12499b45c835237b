// Package routing maps app subdomains to their live target and serves them.
package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

// StorePrefix marks targets served from the content store instead of proxied.
const StorePrefix = "store://"

type cached struct {
	route *types.Route
	at    time.Time
}

// Table is the routing registry. Writes go straight to the route table and
// invalidate the local cache; reads are cached for ttl so other instances
// observe a swap within that window.
type Table struct {
	log    *logger.Logger
	routes repos.RouteRepo
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cached
	now   func() time.Time
}

func NewTable(log *logger.Logger, routes repos.RouteRepo, ttl time.Duration) *Table {
	if ttl < 0 {
		ttl = 0
	}
	return &Table{
		log:    log.With("service", "RouteTable"),
		routes: routes,
		ttl:    ttl,
		cache:  map[string]cached{},
		now:    time.Now,
	}
}

func normalize(sub string) string { return strings.ToLower(strings.TrimSpace(sub)) }

func (t *Table) Register(ctx context.Context, subdomain string, sessionID, deploymentID uuid.UUID, target string) error {
	sub := normalize(subdomain)
	if err := t.routes.Upsert(dbctx.Context{Ctx: ctx}, &types.Route{
		Subdomain:    sub,
		SessionID:    sessionID,
		DeploymentID: deploymentID,
		Target:       target,
	}); err != nil {
		return err
	}
	t.forget(sub)
	t.log.Info("route registered", "subdomain", sub, "deployment_id", deploymentID, "target", target)
	return nil
}

func (t *Table) Deregister(ctx context.Context, subdomain string) error {
	sub := normalize(subdomain)
	if err := t.routes.Delete(dbctx.Context{Ctx: ctx}, sub); err != nil {
		return err
	}
	t.forget(sub)
	t.log.Info("route removed", "subdomain", sub)
	return nil
}

// Lookup returns nil when no route exists.
func (t *Table) Lookup(ctx context.Context, subdomain string) (*types.Route, error) {
	sub := normalize(subdomain)
	if sub == "" {
		return nil, nil
	}
	if t.ttl > 0 {
		t.mu.RLock()
		c, ok := t.cache[sub]
		t.mu.RUnlock()
		if ok && t.now().Sub(c.at) < t.ttl {
			return c.route, nil
		}
	}
	rt, err := t.routes.Get(dbctx.Context{Ctx: ctx}, sub)
	if err != nil {
		return nil, err
	}
	if t.ttl > 0 {
		t.mu.Lock()
		t.cache[sub] = cached{route: rt, at: t.now()}
		t.mu.Unlock()
	}
	return rt, nil
}

func (t *Table) forget(sub string) {
	t.mu.Lock()
	delete(t.cache, sub)
	t.mu.Unlock()
}
