package sieve

// CreateObject is the sparse object submitted to create a script. Name
// may be nil (generate a random name); BlobID may be nil (empty script).
type CreateObject struct {
	Name   *string
	BlobID *string
}

// UpdateObject is the sparse patch object submitted to update a script.
// Only non-nil fields are applied.
type UpdateObject struct {
	Name   *string
	BlobID *string
}

// SetRequest mirrors the JMAP Sieve Set request: creations keyed by a
// client-chosen creation reference, updates keyed by existing document
// id (as a string), and a destroy list, plus the two post-commit
// activation directives.
type SetRequest struct {
	Create  map[string]CreateObject
	Update  map[string]UpdateObject
	Destroy []string

	// OnSuccessActivate, if non-nil, names the script to activate after
	// a fully successful set: either a literal document id (as a
	// string) or a back-reference "#<creationRef>" into Create.
	OnSuccessActivate *string
	// OnSuccessDeactivate requests deactivating whatever is currently
	// active, applied only alongside OnSuccessActivate == nil.
	OnSuccessDeactivate bool
}

// CreateResult is returned for each successfully created script.
type CreateResult struct {
	ID     DocumentID
	BlobID string
}

// UpdateResult is returned for each successfully updated script; BlobID
// is set only when the update produced a new compiled blob.
type UpdateResult struct {
	BlobID string
}

// SetResponse mirrors the JMAP Sieve Set response.
type SetResponse struct {
	Created   map[string]CreateResult
	Updated   map[string]UpdateResult
	Destroyed []DocumentID

	NotCreated   map[string]SetError
	NotUpdated   map[string]SetError
	NotDestroyed map[string]SetError

	// ActivationChanges is populated only when OnSuccessActivate or
	// OnSuccessDeactivate ran (i.e. every other part of the request
	// fully succeeded).
	ActivationChanges []ActivationChange
}

func newSetResponse() SetResponse {
	return SetResponse{
		Created:      map[string]CreateResult{},
		Updated:      map[string]UpdateResult{},
		NotCreated:   map[string]SetError{},
		NotUpdated:   map[string]SetError{},
		NotDestroyed: map[string]SetError{},
	}
}

// allSucceeded reports whether every creation, update, and destroy in
// the request succeeded — the precondition for running activation.
func (r SetResponse) allSucceeded() bool {
	return len(r.NotCreated) == 0 && len(r.NotUpdated) == 0 && len(r.NotDestroyed) == 0
}
