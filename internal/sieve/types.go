// Package sieve implements the Sieve-script management engine: CRUD over
// per-account scripts with the active-script singleton invariant,
// blob-backed compiled representation, and optimistic-concurrency
// assertions against the underlying store. This is the repository's
// canonical example of the CRUD-with-optimistic-concurrency pattern.
package sieve

import "context"

// DocumentID is an account-scoped dense integer identifying one script.
type DocumentID uint32

// Record is a Sieve script as held by the store: one row per
// (account, document_id).
type Record struct {
	DocumentID DocumentID
	Name       string
	IsActive   bool

	// Value is the raw script source concatenated with its compiled
	// representation. SourceLen is the boundary offset: Value[:SourceLen]
	// is the source, Value[SourceLen:] the serialized compiled form.
	Value     []byte
	SourceLen int

	// BlobID is the logical blob name linked(account, SieveScript, document_id).
	BlobID string

	// EmailIDs is cleared whenever the script is deactivated or destroyed.
	EmailIDs []string

	// Hash is an opaque content hash of Value, computed and owned by the
	// Store implementation. It is round-tripped back as a Mutation.Assert
	// value to implement optimistic concurrency — the store aborts a
	// Commit if the live hash no longer matches what the caller observed.
	Hash string
}

// Mutation is one document-level change within a Batch.
type Mutation struct {
	DocumentID DocumentID

	// Assert, when non-empty, is the content hash the document's Value
	// must currently have for this mutation to apply. The store fails
	// the entire Commit with ErrAssertFailed if any mutation's Assert
	// does not match.
	Assert string

	Insert bool // create a new document at DocumentID
	Delete bool // delete the document

	SetName       *string
	SetIsActive   *bool
	SetValue      []byte
	SetSourceLen  *int
	SetBlobID     *string
	ClearEmailIDs bool
}

// Batch is a set of Mutations committed atomically: either all apply, or
// (on an assertion failure) none do.
type Batch struct {
	Mutations []Mutation
}

// Store is the underlying key-value store's Sieve-script-scoped surface:
// batched writes, optimistic-concurrency assertions, and filtered
// queries. An external collaborator per scope — this package consumes
// it, never implements storage itself (see internal/storekv for the two
// concrete implementations).
type Store interface {
	// Get loads the current record, or ok=false if no such document exists.
	Get(ctx context.Context, accountID string, id DocumentID) (Record, bool, error)
	// List returns every record for the account, in DocumentID order.
	List(ctx context.Context, accountID string) ([]Record, error)
	// NextDocumentID allocates the next dense integer for the account.
	NextDocumentID(ctx context.Context, accountID string) (DocumentID, error)
	// Commit applies a Batch atomically. Returns ErrAssertFailed if any
	// mutation's Assert does not match the document's live hash.
	Commit(ctx context.Context, accountID string, batch Batch) error
}

// BlobStore is the underlying blob store's narrow surface used here:
// linked-blob read/write/delete. An external collaborator.
type BlobStore interface {
	Write(ctx context.Context, blobID string, data []byte) error
	Read(ctx context.Context, blobID string) (data []byte, ok bool, err error)
	// Delete is best-effort: callers ignore its error on the destroy path.
	Delete(ctx context.Context, blobID string) error
}

// CompiledScript is the structured result of compiling Sieve source: the
// set of language extensions the script requires plus the engine's
// internal bytecode/instruction form. Serialized with msgpack and
// appended after the raw source bytes in the stored value blob.
type CompiledScript struct {
	Extensions []string
	Bytecode   []byte
}

// Compiler compiles Sieve script source into its compiled
// representation. An external collaborator.
type Compiler interface {
	Compile(source []byte) (CompiledScript, error)
}

// ActivationChange records one script's is_active transition caused by
// ActivateScript.
type ActivationChange struct {
	DocumentID DocumentID
	IsActive   bool
}
