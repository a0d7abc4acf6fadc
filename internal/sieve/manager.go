package sieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"housekeeperd/internal/logging"
)

// defaultMaxScripts and defaultMaxScriptName are used when Config leaves
// the corresponding field at zero.
const (
	defaultMaxScripts    = 256
	defaultMaxScriptName = 128
)

// Config configures a Manager.
type Config struct {
	Store    Store
	Blobs    BlobStore
	Compiler Compiler

	MaxScripts    int
	MaxScriptName int

	Now    func() time.Time
	Logger *slog.Logger
}

// Manager implements the Sieve-script set/activate workflow: sparse
// create/update/destroy objects with per-id error results, committed
// against the store with optimistic-concurrency assertions.
type Manager struct {
	store    Store
	blobs    BlobStore
	compiler Compiler

	maxScripts    int
	maxScriptName int

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Manager.
func New(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxScripts := cfg.MaxScripts
	if maxScripts <= 0 {
		maxScripts = defaultMaxScripts
	}
	maxScriptName := cfg.MaxScriptName
	if maxScriptName <= 0 {
		maxScriptName = defaultMaxScriptName
	}
	return &Manager{
		store:         cfg.Store,
		blobs:         cfg.Blobs,
		compiler:      cfg.Compiler,
		maxScripts:    maxScripts,
		maxScriptName: maxScriptName,
		now:           now,
		logger:        logging.Default(cfg.Logger).With("component", "sieve"),
	}
}

func linkedBlobID(accountID string, id DocumentID) string {
	return fmt.Sprintf("linked(%s,SieveScript,%d)", accountID, uint32(id))
}

// Set runs the create/update/destroy workflow, including the
// post-commit activation directives.
func (m *Manager) Set(ctx context.Context, accountID string, req SetRequest) (SetResponse, error) {
	resp := newSetResponse()
	createdRefToID := make(map[string]DocumentID, len(req.Create))

	destroySet := make(map[string]bool, len(req.Destroy))
	for _, id := range req.Destroy {
		destroySet[id] = true
	}

	m.runCreates(ctx, accountID, req.Create, &resp, createdRefToID)
	m.runUpdates(ctx, accountID, req.Update, destroySet, &resp)
	m.runDestroys(ctx, accountID, req.Destroy, &resp)

	if resp.allSucceeded() && (req.OnSuccessActivate != nil || req.OnSuccessDeactivate) {
		var target *DocumentID
		if req.OnSuccessActivate != nil {
			id, ok := m.resolveReference(*req.OnSuccessActivate, createdRefToID)
			if !ok {
				// Unresolved reference: return the response as-is, no
				// activation performed, no error raised.
				return resp, nil
			}
			target = &id
		}
		changes, err := m.ActivateScript(ctx, accountID, target)
		if err != nil {
			m.logger.Error("activation after set failed", "account", accountID, "error", err)
		} else {
			resp.ActivationChanges = changes
		}
	}

	return resp, nil
}

// resolveReference resolves either a literal document id (decimal
// string) or a back-reference "#<creationRef>" into the create-results
// map built during this same request.
func (m *Manager) resolveReference(ref string, created map[string]DocumentID) (DocumentID, bool) {
	if strings.HasPrefix(ref, "#") {
		id, ok := created[strings.TrimPrefix(ref, "#")]
		return id, ok
	}
	n, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return 0, false
	}
	return DocumentID(n), true
}

// runCreates processes Create entries in a deterministic order (sorted
// by creation reference), enforcing the quota check against the running
// total of existing-plus-already-created scripts for this account.
func (m *Manager) runCreates(ctx context.Context, accountID string, creates map[string]CreateObject, resp *SetResponse, createdRefToID map[string]DocumentID) {
	if len(creates) == 0 {
		return
	}
	existing, err := m.store.List(ctx, accountID)
	if err != nil {
		for ref := range creates {
			resp.NotCreated[ref] = SetError{Type: ErrSetServerFail, Description: err.Error()}
		}
		return
	}
	total := len(existing)

	refs := make([]string, 0, len(creates))
	for ref := range creates {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		obj := creates[ref]
		if total >= m.maxScripts {
			resp.NotCreated[ref] = SetError{Type: ErrOverQuota, Description: "maximum number of scripts reached"}
			continue
		}

		name, value, sourceLen, setErr := m.prepareCreate(ctx, accountID, obj)
		if setErr != nil {
			resp.NotCreated[ref] = *setErr
			continue
		}

		id, err := m.store.NextDocumentID(ctx, accountID)
		if err != nil {
			resp.NotCreated[ref] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}

		blobID := linkedBlobID(accountID, id)
		if len(value) > 0 {
			if err := m.blobs.Write(ctx, blobID, value); err != nil {
				resp.NotCreated[ref] = SetError{Type: ErrSetServerFail, Description: err.Error()}
				continue
			}
		}

		isActive := false
		batch := Batch{Mutations: []Mutation{{
			DocumentID:   id,
			Insert:       true,
			SetName:      &name,
			SetIsActive:  &isActive,
			SetValue:     value,
			SetSourceLen: &sourceLen,
			SetBlobID:    &blobID,
		}}}
		if err := m.store.Commit(ctx, accountID, batch); err != nil {
			resp.NotCreated[ref] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}

		total++
		createdRefToID[ref] = id
		resp.Created[ref] = CreateResult{ID: id, BlobID: blobID}
	}
}

// runUpdates processes Update entries, rejecting any id also present in
// the destroy set, and committing each via an assert-on-hash batch.
func (m *Manager) runUpdates(ctx context.Context, accountID string, updates map[string]UpdateObject, destroySet map[string]bool, resp *SetResponse) {
	if len(updates) == 0 {
		return
	}
	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, idStr := range ids {
		obj := updates[idStr]
		if destroySet[idStr] {
			resp.NotUpdated[idStr] = SetError{Type: ErrWillDestroy, Description: "id is also present in the destroy set"}
			continue
		}

		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			resp.NotUpdated[idStr] = SetError{Type: ErrNotFound, Description: "invalid id"}
			continue
		}
		id := DocumentID(n)

		current, ok, err := m.store.Get(ctx, accountID, id)
		if err != nil {
			resp.NotUpdated[idStr] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}
		if !ok {
			resp.NotUpdated[idStr] = SetError{Type: ErrNotFound}
			continue
		}

		newName, newValue, newSourceLen, blobChanged, setErr := m.prepareUpdate(ctx, accountID, current, obj)
		if setErr != nil {
			resp.NotUpdated[idStr] = *setErr
			continue
		}

		var newBlobID string
		if blobChanged {
			newBlobID = linkedBlobID(accountID, id)
			if err := m.blobs.Write(ctx, newBlobID, newValue); err != nil {
				resp.NotUpdated[idStr] = SetError{Type: ErrSetServerFail, Description: err.Error()}
				continue
			}
		}

		mutation := Mutation{DocumentID: id, Assert: current.Hash}
		if newName != nil {
			mutation.SetName = newName
		}
		if blobChanged {
			mutation.SetValue = newValue
			mutation.SetSourceLen = &newSourceLen
			mutation.SetBlobID = &newBlobID
		}

		err = m.store.Commit(ctx, accountID, Batch{Mutations: []Mutation{mutation}})
		switch {
		case errors.Is(err, ErrAssertFailed):
			resp.NotUpdated[idStr] = SetError{Type: ErrForbidden, Description: "another process modified this sieve script"}
			continue
		case err != nil:
			resp.NotUpdated[idStr] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}

		resp.Updated[idStr] = UpdateResult{BlobID: newBlobID}
	}
}

// runDestroys processes Destroy ids, rejecting unknown or active scripts.
func (m *Manager) runDestroys(ctx context.Context, accountID string, destroy []string, resp *SetResponse) {
	ids := append([]string(nil), destroy...)
	sort.Strings(ids)

	for _, idStr := range ids {
		n, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			resp.NotDestroyed[idStr] = SetError{Type: ErrNotFound, Description: "invalid id"}
			continue
		}
		id := DocumentID(n)

		current, ok, err := m.store.Get(ctx, accountID, id)
		if err != nil {
			resp.NotDestroyed[idStr] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}
		if !ok {
			resp.NotDestroyed[idStr] = SetError{Type: ErrNotFound}
			continue
		}
		if current.IsActive {
			resp.NotDestroyed[idStr] = SetError{Type: ErrScriptIsActive}
			continue
		}

		batch := Batch{Mutations: []Mutation{{
			DocumentID:    id,
			Assert:        current.Hash,
			Delete:        true,
			ClearEmailIDs: true,
		}}}
		if err := m.store.Commit(ctx, accountID, batch); err != nil {
			resp.NotDestroyed[idStr] = SetError{Type: ErrSetServerFail, Description: err.Error()}
			continue
		}
		// Best-effort blob delete: failure is ignored, the orphan is
		// reclaimed by the next blob purge.
		_ = m.blobs.Delete(ctx, current.BlobID)

		resp.Destroyed = append(resp.Destroyed, id)
	}
}

// ActivateScript makes activateID the sole active
// script for accountID, or deactivates all active scripts when
// activateID is nil. Idempotent: activating an already-active id is a
// no-op that performs no writes. Any assertion failure during commit
// returns an empty changed set, never an error — the caller retries at
// a higher level.
func (m *Manager) ActivateScript(ctx context.Context, accountID string, activateID *DocumentID) ([]ActivationChange, error) {
	records, err := m.store.List(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}

	var active []Record
	for _, r := range records {
		if r.IsActive {
			active = append(active, r)
		}
	}

	if activateID != nil {
		if len(active) == 1 && active[0].DocumentID == *activateID {
			return nil, nil // already active: idempotent no-op
		}
	}

	var targetRecord *Record
	if activateID != nil {
		found := false
		for _, r := range records {
			if r.DocumentID == *activateID {
				rec := r
				targetRecord = &rec
				found = true
				break
			}
		}
		if !found {
			// Unresolvable id: no changes, per the documented behavior
			// for activating a non-existent script.
			return nil, nil
		}
	}

	var mutations []Mutation
	for _, r := range active {
		isActive := false
		mutations = append(mutations, Mutation{
			DocumentID:    r.DocumentID,
			Assert:        r.Hash,
			ClearEmailIDs: true,
			SetIsActive:   &isActive,
		})
	}
	if targetRecord != nil {
		isActive := true
		mutations = append(mutations, Mutation{
			DocumentID:  targetRecord.DocumentID,
			Assert:      targetRecord.Hash,
			SetIsActive: &isActive,
		})
	}
	if len(mutations) == 0 {
		return nil, nil
	}

	err = m.store.Commit(ctx, accountID, Batch{Mutations: mutations})
	if errors.Is(err, ErrAssertFailed) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerPartialFail, err)
	}

	changes := make([]ActivationChange, 0, len(mutations))
	for _, mu := range mutations {
		changes = append(changes, ActivationChange{DocumentID: mu.DocumentID, IsActive: *mu.SetIsActive})
	}
	return changes, nil
}
