// Package commands wires the gateway's components together and exposes
// them as cobra subcommands, modeled on the teacher's
// cmd/docker-mcp/commands/root.go constructor and PersistentPreRunE chain.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/localmcp/gateway/internal/config"
	"github.com/localmcp/gateway/internal/credstore"
	"github.com/localmcp/gateway/internal/domain"
	"github.com/localmcp/gateway/internal/eventbus"
	"github.com/localmcp/gateway/internal/featuresvc"
	"github.com/localmcp/gateway/internal/gatewayserver"
	"github.com/localmcp/gateway/internal/grants"
	"github.com/localmcp/gateway/internal/notifier"
	"github.com/localmcp/gateway/internal/oauthin"
	"github.com/localmcp/gateway/internal/oauthout"
	"github.com/localmcp/gateway/internal/pool"
	"github.com/localmcp/gateway/internal/prefix"
	"github.com/localmcp/gateway/internal/router"
	"github.com/localmcp/gateway/internal/servermanager"
	"github.com/localmcp/gateway/internal/startup"
	"github.com/localmcp/gateway/internal/storage/sqlite"
)

// App is every long-lived component the gateway's subcommands operate on,
// assembled once from Config. credstore is intentionally per (space,
// server) and constructed on demand, not held here.
type App struct {
	Cfg Config

	DB *sqlite.DB

	Bus         *eventbus.Bus
	Prefixes    *prefix.Cache
	Pool        *pool.Service
	Features    *featuresvc.Service
	Grants      *grants.Service
	OAuthOut    *oauthout.Manager
	ServerMgr   *servermanager.Manager
	Tokens      *oauthin.TokenIssuer
	OAuthIn     *oauthin.Server
	Router      *router.Router
	Notify      *notifier.Notifier
	Orchestrator *startup.Orchestrator
	Gateway     *gatewayserver.Server
}

// Config aliases the ambient config.Config type so every command file
// only needs to import this package.
type Config = config.Config

// Build opens the database and wires every component exactly once,
// mirroring the dependency order in SPEC_FULL.md's module-to-package map.
func Build(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := eventbus.New()
	prefixes := prefix.New()

	poolSvc := pool.NewService(db.Servers(), db.Credentials(), db.OAuthRegistrations(), bus, prefixes)
	features := featuresvc.New(db.Features(), db.FeatureSets(), prefixes, bus)
	grantsSvc := grants.New(db.Grants(), db.FeatureSets(), bus)
	oauthOut := oauthout.NewManager(db.OAuthRegistrations(), db.Credentials(), db.Settings(), bus)
	serverMgr := servermanager.New(db.Servers(), poolSvc, features, oauthOut, bus)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	tokens := oauthin.NewTokenIssuer([]byte(cfg.JWTSecret))
	oauthIn := oauthin.New(db.InboundClients(), db.PendingAuthorizations(), db.OAuthCodes(), tokens, db.Spaces(), bus)

	notify := notifier.New(db.Features(), db.Servers(), nil)
	rt := router.New(features, grantsSvc, poolSvc, prefixes, notify)
	gw := gatewayserver.New(rt, oauthIn, tokens, db.InboundClients(), db.Spaces())
	notify.SetResolver(gw)

	orch := startup.New(db.Spaces(), db.Servers(), features, poolSvc, prefixes, bus)

	return &App{
		Cfg: cfg, DB: db, Bus: bus, Prefixes: prefixes, Pool: poolSvc, Features: features,
		Grants: grantsSvc, OAuthOut: oauthOut, ServerMgr: serverMgr, Tokens: tokens, OAuthIn: oauthIn,
		Router: rt, Notify: notify, Orchestrator: orch, Gateway: gw,
	}, nil
}

// Close releases the database handle; the HTTP listener and background
// loops are the caller's responsibility via context cancellation.
func (a *App) Close() error {
	return a.DB.Close()
}

// CredStore builds a per-(space, server) credential adapter on demand.
func (a *App) CredStore(spaceID, serverID string) *credstore.Store {
	return credstore.New(a.DB.Credentials(), a.DB.OAuthRegistrations(), spaceID, serverID)
}

// EnsureDefaultSpace creates and activates a "default" space if none
// exists yet, so a brand-new database has somewhere to install servers.
func EnsureDefaultSpace(a *App) (domain.Space, error) {
	ctx := context.Background()
	spaces, err := a.DB.Spaces().List(ctx)
	if err != nil {
		return domain.Space{}, err
	}
	if len(spaces) > 0 {
		for _, s := range spaces {
			if s.Active {
				return s, nil
			}
		}
		return spaces[0], a.DB.Spaces().SetActive(ctx, spaces[0].ID)
	}

	sp := domain.Space{ID: uuid.NewString(), Name: "default", Active: true, CreatedAt: time.Now().UTC()}
	if err := a.DB.Spaces().Create(ctx, sp); err != nil {
		return domain.Space{}, err
	}
	if err := a.Features.EnsureBuiltinForSpace(ctx, sp.ID); err != nil {
		return domain.Space{}, err
	}
	return sp, nil
}
