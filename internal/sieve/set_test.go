package sieve_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"housekeeperd/internal/sieve"
	"housekeeperd/internal/storekv"
)

type fakeCompiler struct {
	maxLen int
}

func (c fakeCompiler) Compile(source []byte) (sieve.CompiledScript, error) {
	if c.maxLen > 0 && len(source) > c.maxLen {
		return sieve.CompiledScript{}, sieve.ErrScriptTooLong
	}
	if len(source) == 0 {
		return sieve.CompiledScript{}, errors.New("empty script")
	}
	return sieve.CompiledScript{Extensions: []string{"fileinto"}, Bytecode: append([]byte("compiled:"), source...)}, nil
}

func newTestManager(t *testing.T) (*sieve.Manager, *storekv.Memory) {
	t.Helper()
	store := storekv.NewMemory()
	mgr := sieve.New(sieve.Config{
		Store:         store,
		Blobs:         store,
		Compiler:      fakeCompiler{maxLen: 1 << 20},
		MaxScripts:    10,
		MaxScriptName: 64,
	})
	return mgr, store
}

func writeBlob(t *testing.T, store *storekv.Memory, id string, content string) {
	t.Helper()
	if err := store.Write(context.Background(), id, []byte(content)); err != nil {
		t.Fatalf("Write blob: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func idStr(id sieve.DocumentID) string { return fmt.Sprintf("%d", uint32(id)) }

// TestSieveS5CreateAndDuplicateName reproduces scenario S5: creating two
// scripts with the same name in one request succeeds for the first and
// fails the second with AlreadyExists referencing the first id
// (testable property: name uniqueness).
func TestSieveS5CreateAndDuplicateName(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [\"fileinto\"];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{
			"c1": {Name: strPtr("A"), BlobID: strPtr("blob-a")},
		},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	result, ok := resp.Created["c1"]
	if !ok {
		t.Fatalf("expected c1 created, not-created: %v", resp.NotCreated)
	}
	if result.BlobID == "" {
		t.Fatal("expected non-empty blobId")
	}

	rec, _, _ := store.Get(ctx, "acct1", result.ID)
	if rec.IsActive {
		t.Fatal("newly created script must be is_active=false")
	}

	resp2, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{
			"c2": {Name: strPtr("A"), BlobID: strPtr("blob-a")},
		},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	se, ok := resp2.NotCreated["c2"]
	if !ok {
		t.Fatal("expected c2 to be rejected as a duplicate name")
	}
	if se.Type != sieve.ErrAlreadyExists {
		t.Fatalf("error type = %v, want AlreadyExists", se.Type)
	}
	if se.ExistingID != idStr(result.ID) {
		t.Fatalf("ExistingID = %q, want %q", se.ExistingID, idStr(result.ID))
	}
}

// TestSieveRandomNameWhenOmitted covers the omitted-name path: a random
// name is generated rather than an empty one stored.
func TestSieveRandomNameWhenOmitted(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {BlobID: strPtr("blob-a")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	result, ok := resp.Created["c1"]
	if !ok {
		t.Fatalf("expected creation to succeed, not-created: %v", resp.NotCreated)
	}
	rec, _, _ := store.Get(ctx, "acct1", result.ID)
	if rec.Name == "" {
		t.Fatal("expected a generated name, got empty string")
	}
}

// TestSieveReservedNameRejected covers the "vacation" reserved name.
func TestSieveReservedNameRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {Name: strPtr("vacation")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	se, ok := resp.NotCreated["c1"]
	if !ok || se.Type != sieve.ErrForbidden {
		t.Fatalf("expected Forbidden for reserved name, got %+v ok=%v", se, ok)
	}
}

// racingStore wraps a Memory store and fires beforeCommit ahead of each
// asserted Commit, simulating a writer that slips in between the
// manager's read and its commit.
type racingStore struct {
	*storekv.Memory
	beforeCommit func()
}

func (r *racingStore) Commit(ctx context.Context, accountID string, batch sieve.Batch) error {
	asserted := false
	for _, mu := range batch.Mutations {
		if mu.Assert != "" {
			asserted = true
			break
		}
	}
	if asserted && r.beforeCommit != nil {
		r.beforeCommit()
	}
	return r.Memory.Commit(ctx, accountID, batch)
}

// TestSieveUpdateOptimisticConflict covers the conflict property: when a
// second writer reads before the first commits, exactly one succeeds and
// the other surfaces a per-id error instead of silently clobbering the
// winner.
func TestSieveUpdateOptimisticConflict(t *testing.T) {
	mem := storekv.NewMemory()
	racing := &racingStore{Memory: mem}
	mgr := sieve.New(sieve.Config{
		Store:         racing,
		Blobs:         mem,
		Compiler:      fakeCompiler{maxLen: 1 << 20},
		MaxScripts:    10,
		MaxScriptName: 64,
	})
	ctx := context.Background()
	writeBlob(t, mem, "blob-a", "require [];")
	writeBlob(t, mem, "blob-b", "require [\"fileinto\"];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	created := resp.Created["c1"]

	// Between the manager's read of the record and its asserted commit,
	// another writer replaces the script's value, invalidating the hash
	// the manager is about to assert.
	racing.beforeCommit = func() {
		racing.beforeCommit = nil
		if err := mem.Commit(ctx, "acct1", sieve.Batch{Mutations: []sieve.Mutation{{
			DocumentID: created.ID, SetValue: []byte("raced-away"),
		}}}); err != nil {
			t.Errorf("simulate concurrent write: %v", err)
		}
	}

	resp2, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Update: map[string]sieve.UpdateObject{idStr(created.ID): {BlobID: strPtr("blob-b")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := resp2.Updated[idStr(created.ID)]; ok {
		t.Fatal("expected update to fail on a stale assertion, not succeed")
	}
	se, ok := resp2.NotUpdated[idStr(created.ID)]
	if !ok {
		t.Fatal("expected the conflicting update to appear in NotUpdated")
	}
	if se.Type != sieve.ErrForbidden {
		t.Fatalf("conflict error type = %v, want Forbidden (retryable)", se.Type)
	}

	// The concurrent writer's value survives; the losing update changed
	// nothing.
	rec, _, _ := mem.Get(ctx, "acct1", created.ID)
	if string(rec.Value) != "raced-away" {
		t.Fatalf("winner's value clobbered: %q", rec.Value)
	}
}

// TestSieveDestroyActiveScriptRejected covers the "cannot destroy the
// active script" invariant.
func TestSieveDestroyActiveScriptRejected(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	created := resp.Created["c1"]

	activate := idStr(created.ID)
	if _, err := mgr.Set(ctx, "acct1", sieve.SetRequest{OnSuccessActivate: &activate}); err != nil {
		t.Fatalf("Set (activate): %v", err)
	}

	resp2, err := mgr.Set(ctx, "acct1", sieve.SetRequest{Destroy: []string{idStr(created.ID)}})
	if err != nil {
		t.Fatalf("Set (destroy): %v", err)
	}
	se, ok := resp2.NotDestroyed[idStr(created.ID)]
	if !ok || se.Type != sieve.ErrScriptIsActive {
		t.Fatalf("expected ScriptIsActive, got %+v ok=%v", se, ok)
	}
}

// TestSieveDuplicateNameSameRequest covers the same-name-twice-in-one-
// request case: creations are committed in creation-reference order, so
// the first wins and the second is rejected with AlreadyExists.
func TestSieveDuplicateNameSameRequest(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{
			"c1": {Name: strPtr("dup"), BlobID: strPtr("blob-a")},
			"c2": {Name: strPtr("dup"), BlobID: strPtr("blob-a")},
		},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := resp.Created["c1"]; !ok {
		t.Fatalf("expected c1 created, not-created: %v", resp.NotCreated)
	}
	se, ok := resp.NotCreated["c2"]
	if !ok || se.Type != sieve.ErrAlreadyExists {
		t.Fatalf("expected c2 rejected with AlreadyExists, got %+v ok=%v", se, ok)
	}
}

// TestSieveWillDestroyRejected covers an id appearing in both the update
// and destroy sets: the update is rejected with WillDestroy.
func TestSieveWillDestroyRejected(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	id := idStr(resp.Created["c1"].ID)

	resp2, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Update:  map[string]sieve.UpdateObject{id: {Name: strPtr("renamed")}},
		Destroy: []string{id},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	se, ok := resp2.NotUpdated[id]
	if !ok || se.Type != sieve.ErrWillDestroy {
		t.Fatalf("expected WillDestroy, got %+v ok=%v", se, ok)
	}
	if len(resp2.Destroyed) != 1 {
		t.Fatalf("destroy itself should succeed, destroyed=%v notDestroyed=%v", resp2.Destroyed, resp2.NotDestroyed)
	}
}

// TestSieveOverQuota covers the script-count quota: the creation that
// would exceed MaxScripts is rejected with OverQuota.
func TestSieveOverQuota(t *testing.T) {
	store := storekv.NewMemory()
	mgr := sieve.New(sieve.Config{
		Store:         store,
		Blobs:         store,
		Compiler:      fakeCompiler{maxLen: 1 << 20},
		MaxScripts:    1,
		MaxScriptName: 64,
	})
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{
			"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")},
			"c2": {Name: strPtr("two"), BlobID: strPtr("blob-a")},
		},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(resp.Created) != 1 {
		t.Fatalf("created = %d, want 1", len(resp.Created))
	}
	se, ok := resp.NotCreated["c2"]
	if !ok || se.Type != sieve.ErrOverQuota {
		t.Fatalf("expected OverQuota for c2, got %+v ok=%v", se, ok)
	}
}

// TestSieveBlobNotFound covers a create referencing a blob that was
// never uploaded.
func TestSieveBlobNotFound(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("no-such-blob")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	se, ok := resp.NotCreated["c1"]
	if !ok || se.Type != sieve.ErrBlobNotFound {
		t.Fatalf("expected BlobNotFound, got %+v ok=%v", se, ok)
	}
}

// TestSieveCompileErrorMapping covers the compiler error translation:
// a too-long source maps to TooLarge, any other compile failure to
// InvalidScript.
func TestSieveCompileErrorMapping(t *testing.T) {
	store := storekv.NewMemory()
	mgr := sieve.New(sieve.Config{
		Store:         store,
		Blobs:         store,
		Compiler:      fakeCompiler{maxLen: 8},
		MaxScripts:    10,
		MaxScriptName: 64,
	})
	ctx := context.Background()
	writeBlob(t, store, "blob-long", "this source exceeds eight bytes")
	writeBlob(t, store, "blob-bad", "")

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create: map[string]sieve.CreateObject{
			"long": {Name: strPtr("long"), BlobID: strPtr("blob-long")},
			"bad":  {Name: strPtr("bad"), BlobID: strPtr("blob-bad")},
		},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if se := resp.NotCreated["long"]; se.Type != sieve.ErrTooLarge {
		t.Fatalf("long: error type = %v, want TooLarge", se.Type)
	}
	if se := resp.NotCreated["bad"]; se.Type != sieve.ErrInvalidScript {
		t.Fatalf("bad: error type = %v, want InvalidScript", se.Type)
	}
}

// TestSieveVacationImmutable covers the reserved script: a record named
// "vacation" (seeded outside this API, as the vacation-response engine
// does) cannot be renamed or have its content replaced here.
func TestSieveVacationImmutable(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()

	id, err := store.NextDocumentID(ctx, "acct1")
	if err != nil {
		t.Fatalf("NextDocumentID: %v", err)
	}
	name := "vacation"
	isActive := false
	if err := store.Commit(ctx, "acct1", sieve.Batch{Mutations: []sieve.Mutation{{
		DocumentID: id, Insert: true, SetName: &name, SetIsActive: &isActive, SetValue: []byte("x"),
	}}}); err != nil {
		t.Fatalf("seed vacation script: %v", err)
	}

	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Update: map[string]sieve.UpdateObject{idStr(id): {Name: strPtr("renamed")}},
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	se, ok := resp.NotUpdated[idStr(id)]
	if !ok || se.Type != sieve.ErrForbidden {
		t.Fatalf("expected Forbidden for vacation update, got %+v ok=%v", se, ok)
	}
}

// TestSieveOnSuccessActivateBackReference covers the "#creationRef"
// form: activation resolves the reference against the ids created in
// the same request.
func TestSieveOnSuccessActivateBackReference(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	backRef := "#c1"
	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create:            map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")}},
		OnSuccessActivate: &backRef,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	created := resp.Created["c1"]
	if len(resp.ActivationChanges) != 1 || resp.ActivationChanges[0].DocumentID != created.ID || !resp.ActivationChanges[0].IsActive {
		t.Fatalf("activation changes = %v, want [(%d,true)]", resp.ActivationChanges, created.ID)
	}

	rec, _, _ := store.Get(ctx, "acct1", created.ID)
	if !rec.IsActive {
		t.Fatal("expected script active after back-reference activation")
	}
}

// TestSieveOnSuccessActivateUnresolvedReference covers an unresolvable
// back-reference: the response is returned as-is, with no activation and
// no error.
func TestSieveOnSuccessActivateUnresolvedReference(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	writeBlob(t, store, "blob-a", "require [];")

	backRef := "#nope"
	resp, err := mgr.Set(ctx, "acct1", sieve.SetRequest{
		Create:            map[string]sieve.CreateObject{"c1": {Name: strPtr("one"), BlobID: strPtr("blob-a")}},
		OnSuccessActivate: &backRef,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(resp.ActivationChanges) != 0 {
		t.Fatalf("expected no activation changes, got %v", resp.ActivationChanges)
	}
	if _, ok := resp.Created["c1"]; !ok {
		t.Fatal("creation itself must still succeed")
	}
}
