package reload

import (
	"context"
	"sync"
	"testing"
	"time"

	"housekeeperd/internal/corestate"
	"housekeeperd/internal/housekeeper"
)

type memStore struct {
	mu  sync.Mutex
	cfg RawConfig
}

func (m *memStore) Load(ctx context.Context) (RawConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, nil
}

func (m *memStore) Save(ctx context.Context, cfg RawConfig) error {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func newTestEngine(store *memStore, events chan housekeeper.Event) (*Engine, *corestate.Core, *corestate.Versions) {
	core := corestate.NewCore(&corestate.Snapshot{})
	versions := &corestate.Versions{}
	var evc chan<- housekeeper.Event
	if events != nil {
		evc = events
	}
	eng := New(Config{
		Core:     core,
		Versions: versions,
		Store:    store,
		Events:   evc,
	})
	return eng, core, versions
}

// TestReloadAtomicity verifies property 4: after a successful non-dry-run
// reload, every new snapshot load returns the new config in full —
// readers never see a partial mix of old and new fields.
func TestReloadAtomicity(t *testing.T) {
	store := &memStore{cfg: RawConfig{SessionPurgeCron: "0 3 * * *", AcmeProviders: []corestate.AcmeProvider{{ID: "old", Domains: []string{"old.example"}}}}}
	events := make(chan housekeeper.Event, 1)
	eng, core, _ := newTestEngine(store, events)

	if _, err := eng.Reload(context.Background(), false); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	<-events

	store.Save(context.Background(), RawConfig{
		SessionPurgeCron: "0 5 * * *",
		AcmeProviders:    []corestate.AcmeProvider{{ID: "new1", Domains: []string{"a.example"}}, {ID: "new2", Domains: []string{"b.example"}}},
	})

	report, err := eng.Reload(context.Background(), false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if report.NewCore == nil {
		t.Fatal("expected non-nil new core")
	}
	<-events

	snap := core.Load()
	if snap.SessionPurgeSchedule.String() != "0 5 * * *" {
		t.Fatalf("session cron = %q, want new value", snap.SessionPurgeSchedule.String())
	}
	if len(snap.AcmeProviders) != 2 {
		t.Fatalf("acme providers = %d, want 2 (no mix with old single-provider config)", len(snap.AcmeProviders))
	}
	if _, ok := snap.AcmeProviders["old"]; ok {
		t.Fatal("stale provider from before reload must not be present")
	}
}

// TestReloadVersionMonotonicity verifies property 5: config_version and
// blocked_ip_version never decrease and increase exactly once per
// successful non-dry-run reload of their kind.
func TestReloadVersionMonotonicity(t *testing.T) {
	store := &memStore{cfg: RawConfig{}}
	events := make(chan housekeeper.Event, 4)
	eng, _, versions := newTestEngine(store, events)

	if versions.ConfigVersion() != 0 {
		t.Fatalf("initial config version = %d, want 0", versions.ConfigVersion())
	}

	if _, err := eng.Reload(context.Background(), false); err != nil {
		t.Fatalf("reload 1: %v", err)
	}
	<-events
	if versions.ConfigVersion() != 1 {
		t.Fatalf("config version after reload 1 = %d, want 1", versions.ConfigVersion())
	}

	if _, err := eng.Reload(context.Background(), false); err != nil {
		t.Fatalf("reload 2: %v", err)
	}
	<-events
	if versions.ConfigVersion() != 2 {
		t.Fatalf("config version after reload 2 = %d, want 2", versions.ConfigVersion())
	}

	if versions.BlockedIPVersion() != 0 {
		t.Fatalf("blocked ip version = %d, want 0 (independent of config_version)", versions.BlockedIPVersion())
	}
	if _, err := eng.ReloadBlockedIPs(context.Background()); err != nil {
		t.Fatalf("reload blocked ips: %v", err)
	}
	if versions.BlockedIPVersion() != 1 {
		t.Fatalf("blocked ip version = %d, want 1", versions.BlockedIPVersion())
	}
	if versions.ConfigVersion() != 2 {
		t.Fatalf("config_version must be unaffected by ReloadBlockedIPs, got %d", versions.ConfigVersion())
	}
}

// TestReloadS3NonDryRun reproduces scenario S3: a non-dry-run reload
// bumps config_version by exactly 1 and the scheduler receives exactly
// one ReloadSettings.
func TestReloadS3NonDryRun(t *testing.T) {
	store := &memStore{cfg: RawConfig{}}
	events := make(chan housekeeper.Event, 4)
	eng, _, versions := newTestEngine(store, events)

	if _, err := eng.Reload(context.Background(), false); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if versions.ConfigVersion() != 1 {
		t.Fatalf("config version = %d, want 1", versions.ConfigVersion())
	}

	select {
	case ev := <-events:
		if _, ok := ev.(housekeeper.ReloadSettings); !ok {
			t.Fatalf("got %T, want ReloadSettings", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected ReloadSettings delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %#v", ev)
	default:
	}
}

// TestReloadS4DryRun reproduces scenario S4: a dry-run reload leaves
// config_version unchanged and delivers no ReloadSettings.
func TestReloadS4DryRun(t *testing.T) {
	store := &memStore{cfg: RawConfig{}}
	events := make(chan housekeeper.Event, 4)
	eng, _, versions := newTestEngine(store, events)

	report, err := eng.Reload(context.Background(), true)
	if err != nil {
		t.Fatalf("dry-run reload: %v", err)
	}
	if report.NewCore == nil {
		t.Fatal("dry-run still produces diagnostics with a candidate snapshot")
	}
	if versions.ConfigVersion() != 0 {
		t.Fatalf("config version = %d, want 0 after dry-run", versions.ConfigVersion())
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event delivered on dry-run: %#v", ev)
	default:
	}
}

func TestReloadInvalidCronProducesDiagnosticsNoCore(t *testing.T) {
	store := &memStore{cfg: RawConfig{SessionPurgeCron: "not a cron expression"}}
	eng, core, versions := newTestEngine(store, nil)
	initial := core.Load()

	report, err := eng.Reload(context.Background(), false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if report.NewCore != nil {
		t.Fatal("expected nil NewCore when diagnostics contain errors")
	}
	if len(report.Config.Errors) == 0 {
		t.Fatal("expected at least one diagnostic error")
	}
	if versions.ConfigVersion() != 0 {
		t.Fatalf("config version must not bump when the new config is unusable, got %d", versions.ConfigVersion())
	}
	if core.Load() != initial {
		t.Fatal("core must not be swapped when diagnostics contain errors")
	}
}
