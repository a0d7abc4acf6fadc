package housekeeper

import (
	"context"
	"log/slog"
	"time"

	"housekeeperd/internal/corestate"
	"housekeeperd/internal/logging"
	"housekeeperd/internal/sysmetrics"
)

// accountMetricsInterval bounds how often CalculateMetrics refreshes the
// account/domain total gauges — they require a full store scan, so they
// are not recomputed on every 5-minute tick.
const accountMetricsInterval = 24 * time.Hour

// acmeFailureBackoff is the fixed re-arm delay after a failed ACME renewal.
const acmeFailureBackoff = time.Hour

// calculateMetricsInterval is the fixed-interval reschedule period for
// CalculateMetrics. The handler reschedules CalculateMetrics itself;
// rescheduling OtelMetrics here instead would silently stop the gauge
// refresh after its first run.
const calculateMetricsInterval = 5 * time.Minute

// alertMetricsInterval is the fixed-interval reschedule period for AlertMetrics.
const alertMetricsInterval = 5 * time.Minute

// licenseValidationFailureBackoff is the re-arm delay after a failed
// ValidateLicense reload attempt.
const licenseValidationFailureBackoff = time.Hour

// Reloader performs a full configuration reload and returns the resulting
// Shared Core snapshot. Satisfied by (*reload.Engine).ReloadSnapshot; kept as a narrow
// function type here so housekeeper never imports the reload package.
type Reloader func(ctx context.Context) (*corestate.Snapshot, error)

// Config configures a Scheduler.
type Config struct {
	Core     *corestate.Core
	Versions *corestate.Versions
	Logger   *slog.Logger

	// Now is the clock used throughout the scheduler. Defaults to time.Now;
	// tests inject a controllable clock to verify liveness and ordering
	// without sleeping.
	Now func() time.Time

	// Events is the control channel. Callers (HTTP admin handlers, ACME
	// workers) send on it; the scheduler loop is the sole receiver. If nil,
	// a channel with a reasonable default buffer is created.
	Events chan Event

	// Reload performs a full configuration reload for the ValidateLicense
	// action. May be nil if license validation is never scheduled.
	Reload Reloader
}

// Scheduler owns the Action Queue and the single-threaded cooperative main
// loop. It alternates between waiting for the next wake time or an
// incoming control event, whichever is sooner, and draining all expired
// actions, spawning a short-lived worker goroutine for each.
type Scheduler struct {
	core     *corestate.Core
	versions *corestate.Versions
	logger   *slog.Logger
	now      func() time.Time
	events   chan Event
	reload   Reloader

	queue     *Queue
	startTime time.Time

	lastAccountMetricsAt time.Time
}

// NewScheduler creates a Scheduler. Call Bootstrap before Run.
func NewScheduler(cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	events := cfg.Events
	if events == nil {
		events = make(chan Event, 64)
	}
	s := &Scheduler{
		core:     cfg.Core,
		versions: cfg.Versions,
		logger:   logging.Default(cfg.Logger).With("component", "housekeeper"),
		now:      now,
		events:   events,
		reload:   cfg.Reload,
		queue:    NewQueue(now),
	}
	s.queue.onSchedule = func(a Action) {
		s.logger.Debug("action scheduled", "class", a.Class.String(), "due", a.Due)
	}
	return s
}

// Events returns the control channel producers send on.
func (s *Scheduler) Events() chan<- Event { return s.events }

// Bootstrap seeds the queue from the current Shared Core snapshot: one
// Session, one Account, one Store(i) per configured store, CalculateMetrics
// due immediately, OtelMetrics if configured, one Acme(id) per provider
// (using the provider's initial issuance/renewal window), and the
// enterprise entries when the snapshot carries an Enterprise block.
func (s *Scheduler) Bootstrap(ctx context.Context) {
	now := s.now()
	s.startTime = now
	snap := s.core.Load()
	if snap == nil {
		return
	}

	if !snap.SessionPurgeSchedule.IsZero() {
		s.queue.Schedule(now.Add(snap.SessionPurgeSchedule.TimeToNext(now)), ActionClass{Kind: ActionSession})
	}
	if !snap.AccountPurgeSchedule.IsZero() {
		s.queue.Schedule(now.Add(snap.AccountPurgeSchedule.TimeToNext(now)), ActionClass{Kind: ActionAccount})
	}
	for i, sps := range snap.StorePurgeSchedules {
		if sps.Cron.IsZero() {
			continue
		}
		s.queue.Schedule(now.Add(sps.Cron.TimeToNext(now)), Store(i))
	}

	s.queue.Schedule(now, ActionClass{Kind: ActionCalculateMetrics})

	if snap.Otel != nil {
		s.queue.Schedule(now.Add(snap.Otel.Interval()), ActionClass{Kind: ActionOtelMetrics})
	}

	if snap.AcmeClient != nil {
		for id, provider := range snap.AcmeProviders {
			wait, err := snap.AcmeClient.Init(ctx, provider)
			if err != nil {
				s.logger.Error("acme init failed", "provider", id, "error", err)
				continue
			}
			s.queue.Schedule(now.Add(wait), Acme(id))
		}
	}

	if snap.Enterprise != nil {
		ent := snap.Enterprise
		if ent.MetricsStore != nil {
			sched := ent.MetricsStore.Interval()
			if !sched.IsZero() {
				s.queue.Schedule(now.Add(sched.TimeToNext(now)), ActionClass{Kind: ActionInternalMetrics})
			}
		}
		if ent.HasMetricAlerts {
			s.queue.Schedule(now.Add(alertMetricsInterval), ActionClass{Kind: ActionAlertMetrics})
		}
		if ent.License != nil {
			s.queue.Schedule(now.Add(ent.License.ExpiresIn()), ActionClass{Kind: ActionValidateLicense})
		}
	}
}

// Run executes the main loop until ctx is cancelled, the control channel
// is closed, or an Exit event is received. It never returns an error for
// worker failures — those are logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(s.queue.WakeUpTime())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case ev, ok := <-s.events:
			timer.Stop()
			if !ok {
				s.logger.Info("control channel closed, shutting down")
				return
			}
			if _, exit := ev.(Exit); exit {
				s.logger.Info("exit event received, shutting down")
				return
			}
			s.handle(ctx, ev)
		case <-timer.C:
			for {
				a, ok := s.queue.Pop()
				if !ok {
					break
				}
				s.dispatch(ctx, a)
			}
		}
	}
}

// handle processes a single control-channel event.
func (s *Scheduler) handle(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case ReloadSettings:
		s.handleReloadSettings(ctx)
	case AcmeReschedule:
		s.queue.RemoveAction(Acme(e.ProviderID))
		s.queue.Schedule(e.RenewAt, Acme(e.ProviderID))
	case Purge:
		s.dispatchPurge(ctx, e.Type)
	default:
		s.logger.Warn("unknown control event", "type", e)
	}
}

// handleReloadSettings re-examines OTEL, license, internal metrics, metric
// alerts, and ACME against the (already swapped) current snapshot: any
// action not currently queued is scheduled at its configured next time.
// ACME is reinitialized in a spawned task that emits AcmeReschedule
// messages back through the control channel, rather than being scheduled
// directly here, matching the worker-to-scheduler back-edge pattern.
func (s *Scheduler) handleReloadSettings(ctx context.Context) {
	now := s.now()
	snap := s.core.Load()
	if snap == nil {
		return
	}

	if snap.Otel != nil && !s.queue.HasAction(ActionClass{Kind: ActionOtelMetrics}) {
		s.queue.Schedule(now.Add(snap.Otel.Interval()), ActionClass{Kind: ActionOtelMetrics})
	}
	if snap.Enterprise != nil {
		ent := snap.Enterprise
		if ent.License != nil && !s.queue.HasAction(ActionClass{Kind: ActionValidateLicense}) {
			s.queue.Schedule(now.Add(ent.License.ExpiresIn()), ActionClass{Kind: ActionValidateLicense})
		}
		if ent.MetricsStore != nil && !s.queue.HasAction(ActionClass{Kind: ActionInternalMetrics}) {
			s.queue.Schedule(now.Add(ent.MetricsStore.Interval().TimeToNext(now)), ActionClass{Kind: ActionInternalMetrics})
		}
		if ent.HasMetricAlerts && !s.queue.HasAction(ActionClass{Kind: ActionAlertMetrics}) {
			s.queue.Schedule(now.Add(alertMetricsInterval), ActionClass{Kind: ActionAlertMetrics})
		}
	}

	if snap.AcmeClient != nil {
		providers := snap.AcmeProviders
		client := snap.AcmeClient
		logger := s.logger
		events := s.events
		clock := s.now
		go func() {
			for id, provider := range providers {
				wait, err := client.Init(ctx, provider)
				if err != nil {
					logger.Error("acme reinit failed", "provider", id, "error", err)
					continue
				}
				sendBestEffort(events, AcmeReschedule{ProviderID: id, RenewAt: clock().Add(wait)})
			}
		}()
	}
}

// dispatch handles one expired Action: it reschedules recurring classes
// before spawning the worker goroutine, so a slow worker never delays the
// next tick.
func (s *Scheduler) dispatch(ctx context.Context, a Action) {
	switch a.Class.Kind {
	case ActionSession:
		s.dispatchSession(ctx)
	case ActionAccount:
		s.dispatchAccount(ctx)
	case ActionStore:
		s.dispatchStore(ctx, a.Class.StoreIndex)
	case ActionAcme:
		s.dispatchAcme(ctx, a.Class.ProviderID)
	case ActionOtelMetrics:
		s.dispatchOtelMetrics(ctx)
	case ActionCalculateMetrics:
		s.dispatchCalculateMetrics(ctx)
	case ActionInternalMetrics:
		s.dispatchInternalMetrics(ctx)
	case ActionAlertMetrics:
		s.dispatchAlertMetrics(ctx)
	case ActionValidateLicense:
		s.dispatchValidateLicense(ctx)
	default:
		s.logger.Warn("unknown action class", "class", a.Class.String())
	}
}

// dispatchPurge spawns an immediate out-of-band worker without touching
// the queue.
func (s *Scheduler) dispatchPurge(ctx context.Context, pt PurgeType) {
	snap := s.core.Load()
	logger := s.logger
	go func() {
		var err error
		switch pt.Kind {
		case PurgeKindData:
			if sp := storeAt(snap, pt.StoreIndex); sp != nil && sp.Data != nil {
				err = sp.Data.PurgeStore(ctx)
			}
		case PurgeKindBlobs:
			if sp := storeAt(snap, pt.StoreIndex); sp != nil && sp.Blobs != nil {
				err = sp.Blobs.PurgeBlobs(ctx)
			}
		case PurgeKindLookup:
			if sp := storeAt(snap, pt.StoreIndex); sp != nil && sp.Lookup != nil {
				err = sp.Lookup.PurgeLookupStore(ctx)
			}
		case PurgeKindAccount:
			if snap != nil && snap.AccountStore != nil {
				if pt.AccountID != "" {
					err = snap.AccountStore.PurgeAccount(ctx, pt.AccountID)
				} else {
					err = snap.AccountStore.PurgeAccounts(ctx)
				}
			}
		}
		if err != nil {
			logger.Error("purge failed", "kind", pt.Kind, "error", err)
		}
	}()
}

func storeAt(snap *corestate.Snapshot, i int) *corestate.StorePurgeSchedule {
	if snap == nil || i < 0 || i >= len(snap.StorePurgeSchedules) {
		return nil
	}
	return &snap.StorePurgeSchedules[i]
}

func (s *Scheduler) dispatchSession(ctx context.Context) {
	now := s.now()
	snap := s.core.Load()
	if snap != nil && !snap.SessionPurgeSchedule.IsZero() {
		s.queue.Schedule(now.Add(snap.SessionPurgeSchedule.TimeToNext(now)), ActionClass{Kind: ActionSession})
	}
	logger := s.logger
	go func() {
		if snap == nil || snap.Accounts == nil {
			return
		}
		snap.Accounts.CleanupAuthCache()
		snap.Accounts.RetainActiveLimiters()
		snap.Accounts.CleanupAccessTokens()
		snap.Accounts.PruneIdleThrottles()
		logger.Debug("session housekeeping complete")
	}()
}

func (s *Scheduler) dispatchAccount(ctx context.Context) {
	now := s.now()
	snap := s.core.Load()
	if snap != nil && !snap.AccountPurgeSchedule.IsZero() {
		s.queue.Schedule(now.Add(snap.AccountPurgeSchedule.TimeToNext(now)), ActionClass{Kind: ActionAccount})
	}
	logger := s.logger
	go func() {
		if snap == nil || snap.AccountStore == nil {
			return
		}
		if err := snap.AccountStore.PurgeAccounts(ctx); err != nil {
			logger.Error("account purge failed", "error", err)
		}
	}()
}

func (s *Scheduler) dispatchStore(ctx context.Context, index int) {
	now := s.now()
	snap := s.core.Load()
	sp := storeAt(snap, index)
	if sp != nil && !sp.Cron.IsZero() {
		s.queue.Schedule(now.Add(sp.Cron.TimeToNext(now)), Store(index))
	}
	logger := s.logger
	go func() {
		if sp == nil {
			return
		}
		var err error
		switch sp.Kind {
		case corestate.PurgeData:
			if sp.Data != nil {
				err = sp.Data.PurgeStore(ctx)
			}
		case corestate.PurgeBlobs:
			if sp.Blobs != nil {
				err = sp.Blobs.PurgeBlobs(ctx)
			}
		case corestate.PurgeLookup:
			if sp.Lookup != nil {
				err = sp.Lookup.PurgeLookupStore(ctx)
			}
		}
		if err != nil {
			logger.Error("store purge failed", "store", sp.StoreID, "error", err)
		}
	}()
}

func (s *Scheduler) dispatchAcme(ctx context.Context, providerID string) {
	snap := s.core.Load()
	logger := s.logger
	events := s.events
	versions := s.versions
	clock := s.now
	go func() {
		if snap == nil || snap.AcmeClient == nil {
			return
		}
		provider, ok := snap.AcmeProviders[providerID]
		if !ok {
			return
		}
		wait, err := snap.AcmeClient.Renew(ctx, provider)
		if versions != nil {
			versions.BumpConfig()
		}
		if err != nil {
			logger.Error("acme renewal failed", "provider", providerID, "error", err)
			sendBestEffort(events, AcmeReschedule{ProviderID: providerID, RenewAt: clock().Add(acmeFailureBackoff)})
			return
		}
		sendBestEffort(events, AcmeReschedule{ProviderID: providerID, RenewAt: clock().Add(wait)})
	}()
}

func (s *Scheduler) dispatchOtelMetrics(ctx context.Context) {
	now := s.now()
	snap := s.core.Load()
	if snap != nil && snap.Otel != nil {
		s.queue.Schedule(now.Add(snap.Otel.Interval()), ActionClass{Kind: ActionOtelMetrics})
	}
	logger := s.logger
	startTime := s.startTime
	go func() {
		if snap == nil || snap.Otel == nil {
			return
		}
		if err := snap.Otel.PushMetrics(ctx, snap.IsEnterprise(), startTime); err != nil {
			logger.Error("otel metrics push failed", "error", err)
		}
	}()
}

func (s *Scheduler) dispatchCalculateMetrics(ctx context.Context) {
	now := s.now()
	s.queue.Schedule(now.Add(calculateMetricsInterval), ActionClass{Kind: ActionCalculateMetrics})

	snap := s.core.Load()
	refreshAccounts := now.Sub(s.lastAccountMetricsAt) >= accountMetricsInterval
	if refreshAccounts {
		s.lastAccountMetricsAt = now
	}
	logger := s.logger
	go func() {
		if snap == nil || snap.Metrics == nil {
			return
		}
		if snap.IsEnterprise() && snap.Enterprise.QueueSizer != nil {
			if n, err := snap.Enterprise.QueueSizer.QueueSize(ctx); err != nil {
				logger.Error("queue size query failed", "error", err)
			} else {
				snap.Metrics.UpdateGauge(corestate.MetricQueueCount, n)
			}
		}
		if refreshAccounts && snap.AccountStore != nil {
			if n, err := snap.AccountStore.TotalAccounts(ctx); err != nil {
				logger.Error("account total query failed", "error", err)
			} else {
				snap.Metrics.UpdateGauge(corestate.MetricUserCount, n)
			}
			if n, err := snap.AccountStore.TotalDomains(ctx); err != nil {
				logger.Error("domain total query failed", "error", err)
			} else {
				snap.Metrics.UpdateGauge(corestate.MetricDomainCount, n)
			}
		}
		snap.Metrics.UpdateGauge(corestate.MetricServerMemory, sysmetrics.ResidentMemory())
	}()
}

func (s *Scheduler) dispatchInternalMetrics(ctx context.Context) {
	now := s.now()
	snap := s.core.Load()
	if snap != nil && snap.Enterprise != nil && snap.Enterprise.MetricsStore != nil {
		sched := snap.Enterprise.MetricsStore.Interval()
		if !sched.IsZero() {
			s.queue.Schedule(now.Add(sched.TimeToNext(now)), ActionClass{Kind: ActionInternalMetrics})
		}
	}
	logger := s.logger
	go func() {
		if snap == nil || snap.Enterprise == nil || snap.Enterprise.MetricsStore == nil {
			return
		}
		if err := snap.Enterprise.MetricsStore.WriteMetrics(ctx, now, nil); err != nil {
			logger.Error("internal metrics write failed", "error", err)
		}
	}()
}

func (s *Scheduler) dispatchAlertMetrics(ctx context.Context) {
	now := s.now()
	s.queue.Schedule(now.Add(alertMetricsInterval), ActionClass{Kind: ActionAlertMetrics})

	snap := s.core.Load()
	logger := s.logger
	go func() {
		if snap == nil || snap.Enterprise == nil || snap.Enterprise.MetricsAlerts == nil || snap.Mailer == nil {
			return
		}
		alerts, err := snap.Enterprise.MetricsAlerts.ProcessAlerts(ctx)
		if err != nil {
			logger.Error("alert rule evaluation failed", "error", err)
			return
		}
		for _, msg := range alerts {
			if err := snap.Mailer.SendAutogenerated(ctx, msg); err != nil {
				logger.Error("alert mail send failed", "error", err)
			}
		}
	}()
}

func (s *Scheduler) dispatchValidateLicense(ctx context.Context) {
	logger := s.logger
	reload := s.reload
	core := s.core
	versions := s.versions
	queue := s.queue
	now := s.now
	go func() {
		if reload == nil {
			return
		}
		newSnap, err := reload(ctx)
		if err != nil {
			logger.Error("license validation reload failed", "error", err)
			queue.Schedule(now().Add(licenseValidationFailureBackoff), ActionClass{Kind: ActionValidateLicense})
			return
		}
		if newSnap == nil || newSnap.Enterprise == nil || newSnap.Enterprise.License == nil {
			queue.Schedule(now().Add(licenseValidationFailureBackoff), ActionClass{Kind: ActionValidateLicense})
			return
		}
		core.Store(newSnap)
		if versions != nil {
			versions.BumpConfig()
		}
		queue.Schedule(now().Add(newSnap.Enterprise.License.ExpiresIn()), ActionClass{Kind: ActionValidateLicense})
	}()
}

// sendBestEffort delivers ev without blocking: if the channel is full or
// closed, the send is dropped. Used for AcmeReschedule, which tolerates
// a lost message (the renewal re-arms on the next reload).
func sendBestEffort(events chan Event, ev Event) {
	defer func() { recover() }()
	select {
	case events <- ev:
	default:
	}
}
