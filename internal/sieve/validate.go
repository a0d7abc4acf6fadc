package sieve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// reservedName is the one script name this API refuses to create,
// rename to, or modify the contents of.
const reservedName = "vacation"

// nameConflict reports the document id of an existing script in
// accountID whose name case-sensitively equals name, other than
// excludeID (used so an update checking its own unchanged name doesn't
// flag itself).
func (m *Manager) nameConflict(ctx context.Context, accountID, name string, excludeID DocumentID, excludeSet bool) (DocumentID, bool, error) {
	records, err := m.store.List(ctx, accountID)
	if err != nil {
		return 0, false, fmt.Errorf("list scripts: %w", err)
	}
	for _, r := range records {
		if excludeSet && r.DocumentID == excludeID {
			continue
		}
		if r.Name == name {
			return r.DocumentID, true, nil
		}
	}
	return 0, false, nil
}

func (m *Manager) validateName(ctx context.Context, accountID, name string, excludeID DocumentID, excludeSet bool) *SetError {
	if len(name) > m.maxScriptName {
		return &SetError{Type: ErrInvalidProperties, Description: "name exceeds maximum length"}
	}
	if strings.EqualFold(name, reservedName) {
		return &SetError{Type: ErrForbidden, Description: "the name \"vacation\" is reserved"}
	}
	conflictID, found, err := m.nameConflict(ctx, accountID, name, excludeID, excludeSet)
	if err != nil {
		return &SetError{Type: ErrSetServerFail, Description: err.Error()}
	}
	if found {
		return &SetError{Type: ErrAlreadyExists, Description: "a script with this name already exists", ExistingID: fmtDocumentID(conflictID)}
	}
	return nil
}

// compileBlob downloads blobID and compiles it, returning the
// concatenation of source bytes and compiled form plus the source
// length boundary, or a SetError describing why it couldn't.
func (m *Manager) compileBlob(ctx context.Context, blobID string) (value []byte, sourceLen int, setErr *SetError) {
	source, ok, err := m.blobs.Read(ctx, blobID)
	if err != nil {
		return nil, 0, &SetError{Type: ErrSetServerFail, Description: err.Error()}
	}
	if !ok {
		return nil, 0, &SetError{Type: ErrBlobNotFound, Description: "blob not found: " + blobID}
	}
	compiled, err := m.compiler.Compile(source)
	if err != nil {
		if errors.Is(err, ErrScriptTooLong) {
			return nil, 0, &SetError{Type: ErrTooLarge, Description: err.Error()}
		}
		return nil, 0, &SetError{Type: ErrInvalidScript, Description: err.Error()}
	}
	packed, err := msgpack.Marshal(compiled)
	if err != nil {
		return nil, 0, &SetError{Type: ErrSetServerFail, Description: err.Error()}
	}
	out := make([]byte, 0, len(source)+len(packed))
	out = append(out, source...)
	out = append(out, packed...)
	return out, len(source), nil
}

// prepareCreate validates and transforms a CreateObject,
// returning the name to assign (generating a random one if omitted),
// the value blob and its source boundary, or a SetError.
func (m *Manager) prepareCreate(ctx context.Context, accountID string, obj CreateObject) (name string, value []byte, sourceLen int, setErr *SetError) {
	if obj.Name == nil || *obj.Name == "" {
		generated, err := randomName()
		if err != nil {
			return "", nil, 0, &SetError{Type: ErrSetServerFail, Description: err.Error()}
		}
		name = generated
	} else {
		name = *obj.Name
		if se := m.validateName(ctx, accountID, name, 0, false); se != nil {
			return "", nil, 0, se
		}
	}

	if obj.BlobID != nil {
		v, sl, se := m.compileBlob(ctx, *obj.BlobID)
		if se != nil {
			return "", nil, 0, se
		}
		value, sourceLen = v, sl
	}
	return name, value, sourceLen, nil
}

// prepareUpdate validates and transforms an UpdateObject against the
// current record, returning the fields to change.
func (m *Manager) prepareUpdate(ctx context.Context, accountID string, current Record, obj UpdateObject) (newName *string, newValue []byte, newSourceLen int, blobChanged bool, setErr *SetError) {
	touchesContent := obj.Name != nil || obj.BlobID != nil
	if touchesContent && strings.EqualFold(current.Name, reservedName) {
		return nil, nil, 0, false, &SetError{Type: ErrForbidden, Description: "the \"vacation\" script is immutable via this API"}
	}

	if obj.Name != nil {
		name := *obj.Name
		if name != current.Name {
			if se := m.validateName(ctx, accountID, name, current.DocumentID, true); se != nil {
				return nil, nil, 0, false, se
			}
		}
		newName = &name
	}

	if obj.BlobID != nil && *obj.BlobID != current.BlobID {
		v, sl, se := m.compileBlob(ctx, *obj.BlobID)
		if se != nil {
			return nil, nil, 0, false, se
		}
		newValue, newSourceLen, blobChanged = v, sl, true
	}

	return newName, newValue, newSourceLen, blobChanged, nil
}

func fmtDocumentID(id DocumentID) string {
	return fmt.Sprintf("%d", uint32(id))
}
