// Package reload implements the configuration-reload protocol: parsing
// on-disk settings into a new Shared Core snapshot, the atomic swap
// protocol, version counter bumps, and diagnostics reporting.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"housekeeperd/internal/corestate"
	"housekeeperd/internal/cronsched"
	"housekeeperd/internal/housekeeper"
	"housekeeperd/internal/logging"
)

// RawConfig is the on-disk settings this engine owns: the pieces of the
// Shared Core snapshot that are genuinely reloadable configuration,
// rather than long-lived capability handles (storage drivers, ACME
// clients, mailers) that are supplied once at process start and carried
// through every snapshot unchanged.
type RawConfig struct {
	SessionPurgeCron string
	AccountPurgeCron string
	StorePurgeCrons  []string // one per configured store, same order as Capabilities.Stores
	OtelInterval     time.Duration
	AcmeProviders    []corestate.AcmeProvider
	BlockedIPs       []string
	Lookups          map[string][]string
}

// Store loads and saves the on-disk RawConfig. Backed by an in-memory
// implementation for tests and a bbolt-backed implementation for
// durability (internal/storekv).
type Store interface {
	Load(ctx context.Context) (RawConfig, error)
	Save(ctx context.Context, cfg RawConfig) error
}

// Capabilities are the long-lived handles threaded unchanged into every
// snapshot the engine builds: storage drivers, the ACME client, metric
// sinks, the mailer, and the Sieve compiler. These are external
// collaborators per scope — the engine never constructs or tears them
// down, only references them.
type Capabilities struct {
	Accounts     corestate.SessionCaches
	AccountStore corestate.AccountStore
	Stores       []StoreCapability
	AcmeClient   corestate.AcmeClient
	Otel         corestate.OtelSink
	Metrics      corestate.MetricsCollector
	Mailer       corestate.Mailer
	Enterprise   *corestate.Enterprise
}

// StoreCapability is one configured store's purge-capable handles, kept
// unchanged across reloads; RawConfig.StorePurgeCrons[i] supplies its
// schedule and kind on each reload.
type StoreCapability struct {
	StoreID string
	Kind    corestate.StorePurgeKind
	Data    corestate.DataStore
	Blobs   corestate.BlobStore
	Lookup  corestate.LookupStore
}

// Diagnostics reports parse/validation findings produced while building a
// snapshot. A non-empty Errors means the snapshot is unusable and must
// not be installed.
type Diagnostics struct {
	Warnings []string
	Errors   []string
}

// OK reports whether the diagnostics contain no errors.
func (d Diagnostics) OK() bool { return len(d.Errors) == 0 }

// TracerBundle applies telemetry/tracing configuration produced by a
// reload. An external collaborator; nil when no tracer changes apply.
type TracerBundle interface {
	Apply() error
}

// Report is the result of a reload operation.
type Report struct {
	Config  Diagnostics
	NewCore *corestate.Snapshot // nil when diagnostics indicate the new config is unusable
	Tracers TracerBundle        // nil when no tracer changes apply
}

// Config configures an Engine.
type Config struct {
	Core         *corestate.Core
	Versions     *corestate.Versions
	Store        Store
	Capabilities Capabilities
	Logger       *slog.Logger

	// Events is the scheduler's control channel. Reload sends
	// ReloadSettings on it after a successful non-dry-run full reload;
	// the send is fail-surfacing (blocking, with a timeout).
	Events chan<- housekeeper.Event
}

// Engine implements the four reload operations. Concurrent full reloads
// share one load-and-build pass via singleflight, so a burst of admin
// requests parses the stored configuration once; every non-dry-run
// caller that receives a usable result then swaps Core and bumps
// config_version itself.
type Engine struct {
	core     *corestate.Core
	versions *corestate.Versions
	store    Store
	caps     Capabilities
	logger   *slog.Logger
	events   chan<- housekeeper.Event

	group singleflight.Group
}

// New creates an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		core:     cfg.Core,
		versions: cfg.Versions,
		store:    cfg.Store,
		caps:     cfg.Capabilities,
		logger:   logging.Default(cfg.Logger).With("component", "reload"),
		events:   cfg.Events,
	}
}

// notifyTimeout bounds how long the fail-surfacing ReloadSettings send
// blocks before returning an error to the admin caller.
const notifyTimeout = 5 * time.Second

// build turns a RawConfig plus the engine's fixed capabilities into a new
// Snapshot and diagnostics. It never mutates Core; the caller decides
// whether to swap.
func (e *Engine) build(cfg RawConfig) (*corestate.Snapshot, Diagnostics) {
	var diag Diagnostics

	sessionSched, err := cronsched.Parse(orDefault(cfg.SessionPurgeCron, "0 3 * * *"))
	if err != nil {
		diag.Errors = append(diag.Errors, fmt.Sprintf("session purge cron: %v", err))
	}
	accountSched, err := cronsched.Parse(orDefault(cfg.AccountPurgeCron, "0 4 * * *"))
	if err != nil {
		diag.Errors = append(diag.Errors, fmt.Sprintf("account purge cron: %v", err))
	}

	storeSchedules := make([]corestate.StorePurgeSchedule, 0, len(e.caps.Stores))
	for i, sc := range e.caps.Stores {
		cronExpr := "0 2 * * *"
		if i < len(cfg.StorePurgeCrons) && cfg.StorePurgeCrons[i] != "" {
			cronExpr = cfg.StorePurgeCrons[i]
		}
		sched, err := cronsched.Parse(cronExpr)
		if err != nil {
			diag.Errors = append(diag.Errors, fmt.Sprintf("store %q purge cron: %v", sc.StoreID, err))
			continue
		}
		storeSchedules = append(storeSchedules, corestate.StorePurgeSchedule{
			StoreID: sc.StoreID,
			Cron:    sched,
			Kind:    sc.Kind,
			Data:    sc.Data,
			Blobs:   sc.Blobs,
			Lookup:  sc.Lookup,
		})
	}

	providers := make(map[string]corestate.AcmeProvider, len(cfg.AcmeProviders))
	for _, p := range cfg.AcmeProviders {
		if p.ID == "" {
			diag.Warnings = append(diag.Warnings, "ignoring acme provider with empty id")
			continue
		}
		providers[p.ID] = p
	}

	if !diag.OK() {
		return nil, diag
	}

	snap := &corestate.Snapshot{
		SessionPurgeSchedule: sessionSched,
		AccountPurgeSchedule: accountSched,
		StorePurgeSchedules:  storeSchedules,
		Accounts:             e.caps.Accounts,
		AccountStore:         e.caps.AccountStore,
		AcmeProviders:        providers,
		AcmeClient:           e.caps.AcmeClient,
		Otel:                 e.caps.Otel,
		Metrics:              e.caps.Metrics,
		Mailer:               e.caps.Mailer,
		Enterprise:           e.caps.Enterprise,
	}
	return snap, diag
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Reload parses the full on-disk configuration and returns a report. If
// dryRun is true, no swap is performed regardless of diagnostics. On a
// successful non-dry-run reload, Core is swapped, config_version is
// bumped, tracers (if any) are applied, and ReloadSettings is sent to
// the scheduler — a failed send is returned as an error even though the
// swap has already happened and is not rolled back.
func (e *Engine) Reload(ctx context.Context, dryRun bool) (Report, error) {
	v, err, _ := e.group.Do("reload", func() (any, error) {
		cfg, err := e.store.Load(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("load config: %w", err)
		}
		snap, diag := e.build(cfg)
		return Report{Config: diag, NewCore: snap}, nil
	})
	if err != nil {
		return Report{}, err
	}
	report := v.(Report)

	if dryRun || report.NewCore == nil {
		return report, nil
	}

	e.core.Store(report.NewCore)
	e.versions.BumpConfig()
	if report.Tracers != nil {
		if err := report.Tracers.Apply(); err != nil {
			e.logger.Error("tracer apply failed", "error", err)
		}
	}

	if e.events != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		select {
		case e.events <- housekeeper.ReloadSettings{}:
		case <-notifyCtx.Done():
			e.logger.Warn("reload settings notification dropped: scheduler did not receive it in time")
			return report, fmt.Errorf("notify scheduler: %w", notifyCtx.Err())
		}
	}
	return report, nil
}

// ReloadSnapshot loads and builds a full configuration snapshot without
// installing it, satisfying housekeeper.Reloader for the ValidateLicense
// action, whose worker swaps the result into Core and bumps
// config_version itself. It does not send ReloadSettings.
func (e *Engine) ReloadSnapshot(ctx context.Context) (*corestate.Snapshot, error) {
	report, err := e.Reload(ctx, true)
	if err != nil {
		return nil, err
	}
	if report.NewCore == nil {
		return nil, fmt.Errorf("reload produced no usable snapshot: %v", report.Config.Errors)
	}
	return report.NewCore, nil
}

// ReloadLookups rebuilds the snapshot from the full stored configuration
// and, when the result is usable, swaps it in and bumps config_version.
// Lookup tables are not parsed separately: RawConfig.Lookups is not
// carried into the snapshot, and every other field is re-read as in a
// full reload.
func (e *Engine) ReloadLookups(ctx context.Context) (Report, error) {
	return e.reloadPartial(ctx, func(cfg *RawConfig) {})
}

// ReloadCertificates performs the same rebuild, swap and config_version
// bump as ReloadLookups. Certificates are an external collaborator (ACME
// client capability) not modeled as RawConfig fields in this module, so
// no TLS material is parsed; the operation still produces a diagnostics
// report for the admin surface.
func (e *Engine) ReloadCertificates(ctx context.Context) (Report, error) {
	return e.reloadPartial(ctx, func(cfg *RawConfig) {})
}

// ReloadBlockedIPs re-parses only the blocked-IP set and, on success,
// bumps blocked_ip_version instead of config_version.
func (e *Engine) ReloadBlockedIPs(ctx context.Context) (Report, error) {
	cfg, err := e.store.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load config: %w", err)
	}
	var diag Diagnostics
	if len(cfg.BlockedIPs) == 0 {
		diag.Warnings = append(diag.Warnings, "blocked ip list is empty")
	}
	e.versions.BumpBlockedIP()
	return Report{Config: diag}, nil
}

// reloadPartial loads the current config, applies a narrow mutation
// (presently a no-op hook for the lookup/certificate variants, which in
// this module don't change any RawConfig field but still participate in
// the same diagnostics-report contract), rebuilds a snapshot, and swaps
// it in exactly like a full reload, without sending ReloadSettings
// (partial reloads don't change anything the scheduler re-examines).
func (e *Engine) reloadPartial(ctx context.Context, mutate func(*RawConfig)) (Report, error) {
	cfg, err := e.store.Load(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load config: %w", err)
	}
	mutate(&cfg)
	snap, diag := e.build(cfg)
	if snap == nil {
		return Report{Config: diag}, nil
	}
	e.core.Store(snap)
	e.versions.BumpConfig()
	return Report{Config: diag, NewCore: snap}, nil
}
