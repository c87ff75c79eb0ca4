package crypt

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// IdentifierKind tags the provenance of a key.
type IdentifierKind uint8

const (
	KindLocal IdentifierKind = iota
	KindUUID
	KindRecord
	KindDerived
)

func (k IdentifierKind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindUUID:
		return "uuid"
	case KindRecord:
		return "record"
	case KindDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// KeyIdentifier names a key. Two keys with equal identifiers hold the same material, so a
// ciphertext tagged with one identifier is only ever handed to the matching key.
//
// The value is comparable with ==. A derived identifier keeps its parent as a flat string
// that exists only in memory; derived identifiers are never serialized.
type KeyIdentifier struct {
	kind    IdentifierKind
	uuid    uuid.UUID
	record  int64
	context string
	parent  string
}

// LocalIdentifier identifies a key that only exists in the current process, e.g. a password
// derived KEK or an envelope DEK.
func LocalIdentifier() KeyIdentifier {
	return KeyIdentifier{kind: KindLocal}
}

// NewUUIDIdentifier returns a fresh random (v4) identifier.
func NewUUIDIdentifier() KeyIdentifier {
	return KeyIdentifier{kind: KindUUID, uuid: uuid.New()}
}

// UUIDIdentifier wraps an existing UUID.
func UUIDIdentifier(id uuid.UUID) KeyIdentifier {
	return KeyIdentifier{kind: KindUUID, uuid: id}
}

// RecordIdentifier identifies a key by the id the store assigned to its wrapped form.
func RecordIdentifier(id int64) KeyIdentifier {
	return KeyIdentifier{kind: KindRecord, record: id}
}

// DerivedIdentifier identifies a key derived with context from the key identified by parent.
func DerivedIdentifier(context string, parent *KeyIdentifier) KeyIdentifier {
	id := KeyIdentifier{kind: KindDerived, context: context}
	if parent != nil {
		id.parent = parent.String()
	}
	return id
}

func (id KeyIdentifier) Kind() IdentifierKind { return id.kind }

// Record returns the store id for record identifiers.
func (id KeyIdentifier) Record() (int64, bool) {
	return id.record, id.kind == KindRecord
}

// Context returns the derivation context for derived identifiers.
func (id KeyIdentifier) Context() string { return id.context }

// DerivedFrom returns the string form of the parent identifier, if any.
func (id KeyIdentifier) DerivedFrom() (string, bool) {
	return id.parent, id.parent != ""
}

func (id KeyIdentifier) String() string {
	switch id.kind {
	case KindUUID:
		return "uuid:" + id.uuid.String()
	case KindRecord:
		return "record:" + strconv.FormatInt(id.record, 10)
	case KindDerived:
		if id.parent == "" {
			return "derived:" + id.context
		}
		return "derived:" + id.context + "<" + id.parent + ">"
	default:
		return "local"
	}
}

// Verify fails with a *KeyMismatchError unless other equals id.
func (id KeyIdentifier) Verify(other KeyIdentifier) error {
	if id == other {
		return nil
	}
	return &KeyMismatchError{Expected: id, Actual: other}
}

type identifierJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (id KeyIdentifier) MarshalJSON() ([]byte, error) {
	out := identifierJSON{Type: id.kind.String()}
	var err error
	switch id.kind {
	case KindLocal:
	case KindUUID:
		out.Value, err = json.Marshal(id.uuid.String())
	case KindRecord:
		out.Value, err = json.Marshal(id.record)
	case KindDerived:
		return nil, ErrSerializeDerived
	default:
		return nil, fmt.Errorf("unknown identifier kind %d", id.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (id *KeyIdentifier) UnmarshalJSON(data []byte) error {
	var in identifierJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode key identifier: %w", err)
	}

	switch in.Type {
	case "local":
		*id = LocalIdentifier()
	case "uuid":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("failed to decode uuid identifier: %w", err)
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("failed to parse uuid identifier: %w", err)
		}
		*id = UUIDIdentifier(u)
	case "record":
		var n int64
		if err := json.Unmarshal(in.Value, &n); err != nil {
			return fmt.Errorf("failed to decode record identifier: %w", err)
		}
		*id = RecordIdentifier(n)
	case "derived":
		return ErrSerializeDerived
	default:
		return fmt.Errorf("unknown key identifier type %q", in.Type)
	}
	return nil
}
