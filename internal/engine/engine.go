package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"parity/internal/analysis"
	"parity/internal/config"
	"parity/internal/domain"
	"parity/internal/logger"
	"parity/internal/store"
)

// Names of the configuration documents kept in the store.
const (
	ConfigEnvironments = "environments"
	ConfigProducts     = "products"
)

type Engine struct {
	Store    store.Store
	Config   *config.Config
	Runs     *Coordinator
	Analysis *analysis.Service
	Log      *zap.SugaredLogger
	Now      func() time.Time

	catalog *atomic.Pointer[domain.Catalog]
}

// Options override the collaborators New would otherwise build from the config.
type Options struct {
	Caller     Caller
	Comparator Comparator
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
	Log        *zap.SugaredLogger
}

func New(st store.Store, cfg *config.Config, opts Options) Engine {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	catalog := &atomic.Pointer[domain.Catalog]{}
	initial := cfg.Catalog
	catalog.Store(&initial)

	caller := opts.Caller
	if caller == nil {
		sim := NewSimulatedCaller(cfg.Simulation, func(planID string) bool {
			for _, k := range catalog.Load().PlanKeys() {
				if k == planID {
					return true
				}
			}
			return false
		})
		sim.Now = now
		if opts.Sleep != nil {
			sim.Sleep = opts.Sleep
		}
		caller = sim
	}
	e := Engine{
		Store:  st,
		Config: cfg,
		Analysis: analysis.New(analysis.Config{
			RemoteURL:  cfg.Analysis.RemoteURL,
			Token:      cfg.Analysis.Token,
			Model:      cfg.Analysis.Model,
			DailyLimit: cfg.Analysis.DailyLimit,
			Timeout:    cfg.Analysis.Timeout,
		}, log),
		Log:     logger.Component(log, "engine"),
		Now:     now,
		catalog: catalog,
	}
	e.Runs = NewCoordinator(CoordinatorOptions{
		Store: st,
		Runner: Runner{
			Steps:  cfg.Workflow.Steps,
			Caller: caller,
			Log:    logger.Component(log, "runner"),
		},
		Comparator: opts.Comparator,
		Catalog:    func() []string { return catalog.Load().PlanKeys() },
		Log:        log,
		Now:        now,
		ListLimit:  cfg.Runs.MaxPerOwner,
	})
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// UserID derives the user id from a display name: lower case, spaces become underscores.
func UserID(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// CreateUser registers name. An existing user is returned unchanged with existed set.
func (e Engine) CreateUser(ctx context.Context, name string) (u domain.User, existed bool, err error) {
	id := UserID(name)
	if id == "" {
		return domain.User{}, false, ValidationError{Field: "name", Reason: "name is required"}
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return domain.User{}, false, ValidationError{Field: "name", Reason: "name contains invalid characters"}
	}
	existing, err := e.Store.GetUser(ctx, id)
	if err == nil {
		return existing, true, nil
	}
	if !store.IsNotFound(err) {
		return domain.User{}, false, err
	}
	now := e.now().UTC()
	u = domain.User{UserID: id, Name: strings.TrimSpace(name), CreatedAt: now, LastLogin: now}
	if err := e.Store.SaveUser(ctx, u); err != nil {
		return domain.User{}, false, err
	}
	e.Log.Infow("user created", logger.FieldOwnerID, id)
	return u, false, nil
}

func (e Engine) GetUser(ctx context.Context, userID string) (domain.User, error) {
	u, err := e.Store.GetUser(ctx, userID)
	if store.IsNotFound(err) {
		return domain.User{}, errors.Wrapf(ErrUserNotFound, "user %s", userID)
	}
	return u, err
}

func (e Engine) Environments(ctx context.Context) (domain.EnvironmentSet, error) {
	var envs domain.EnvironmentSet
	if err := e.Store.LoadConfig(ctx, ConfigEnvironments, &envs); err != nil {
		return domain.EnvironmentSet{}, err
	}
	return envs, nil
}

func (e Engine) Products(ctx context.Context) (domain.Catalog, error) {
	var cat domain.Catalog
	if err := e.Store.LoadConfig(ctx, ConfigProducts, &cat); err != nil {
		return domain.Catalog{}, err
	}
	return cat, nil
}

// PlanKeys is the flattened catalog currently used for scope resolution.
type PlanKeys struct {
	AllPlans   []string            `json:"all_plans"`
	ByCategory map[string][]string `json:"by_category"`
}

func (e Engine) PlanKeys() PlanKeys {
	cat := e.catalog.Load()
	return PlanKeys{AllPlans: cat.PlanKeys(), ByCategory: cat.ByCategory()}
}

// SeedConfig writes the environments and products documents from the config file when the store
// has none yet. It reports whether anything was written.
func (e Engine) SeedConfig(ctx context.Context) (bool, error) {
	seeded := false
	var envs domain.EnvironmentSet
	err := e.Store.LoadConfig(ctx, ConfigEnvironments, &envs)
	if store.IsNotFound(err) {
		if err := e.Store.SaveConfig(ctx, ConfigEnvironments, e.Config.EnvironmentSet()); err != nil {
			return false, errors.Wrap(err, "seed environments")
		}
		seeded = true
	} else if err != nil {
		return false, err
	}
	var cat domain.Catalog
	err = e.Store.LoadConfig(ctx, ConfigProducts, &cat)
	if store.IsNotFound(err) {
		if err := e.Store.SaveConfig(ctx, ConfigProducts, e.Config.Catalog); err != nil {
			return false, errors.Wrap(err, "seed products")
		}
		seeded = true
	} else if err != nil {
		return false, err
	}
	return seeded, e.ReloadConfig(ctx)
}

// ReloadConfig swaps the catalog used by new runs for the stored products document.
func (e Engine) ReloadConfig(ctx context.Context) error {
	cat, err := e.Products(ctx)
	if err != nil {
		return errors.Wrap(err, "reload products")
	}
	e.catalog.Store(&cat)
	e.Log.Infow("catalog loaded", logger.FieldCount, len(cat.PlanKeys()))
	return nil
}

// ImportConfig overwrites the stored configuration documents with cfg and reloads the catalog.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return ValidationError{Field: "config", Reason: err.Error()}
	}
	if err := e.Store.SaveConfig(ctx, ConfigEnvironments, cfg.EnvironmentSet()); err != nil {
		return errors.Wrap(err, "import environments")
	}
	if err := e.Store.SaveConfig(ctx, ConfigProducts, cfg.Catalog); err != nil {
		return errors.Wrap(err, "import products")
	}
	return e.ReloadConfig(ctx)
}

func (e Engine) StartRun(ctx context.Context, req StartRequest) (string, error) {
	return e.Runs.StartRun(ctx, req)
}

func (e Engine) GetStatus(ctx context.Context, runID string) (domain.StatusView, error) {
	return e.Runs.GetStatus(ctx, runID)
}

func (e Engine) GetResult(ctx context.Context, runID string) (domain.TestResult, error) {
	return e.Runs.GetResult(ctx, runID)
}

func (e Engine) ListRunsForOwner(ctx context.Context, ownerID string) ([]domain.RunSummary, error) {
	return e.Runs.ListRunsForOwner(ctx, ownerID)
}

func (e Engine) Events(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	return e.Runs.Events(ctx, runID)
}

func (e Engine) Analyze(ctx context.Context, expected, actual map[string]any, prompt string) (analysis.Report, error) {
	return e.Analysis.Analyze(ctx, expected, actual, prompt)
}
