package model

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// Element is one drawable object in a scene. The server only understands the
// four fields that drive reconciliation; the rest of the payload is opaque
// and must round-trip byte for byte, so the original JSON is retained and
// re-emitted on marshal.
type Element struct {
	ID           string
	Version      int64
	VersionNonce int64
	Index        string

	raw json.RawMessage
}

type elementHead struct {
	ID           string `json:"id"`
	Version      int64  `json:"version"`
	VersionNonce int64  `json:"versionNonce"`
	Index        string `json:"index"`
}

func (e *Element) UnmarshalJSON(b []byte) error {
	var head elementHead
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	e.ID = head.ID
	e.Version = head.Version
	e.VersionNonce = head.VersionNonce
	e.Index = head.Index
	e.raw = append(e.raw[:0], b...)
	return nil
}

func (e Element) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 {
		return e.raw, nil
	}
	return json.Marshal(elementHead{
		ID:           e.ID,
		Version:      e.Version,
		VersionNonce: e.VersionNonce,
		Index:        e.Index,
	})
}

// Raw exposes the preserved payload; nil for elements built in code.
func (e *Element) Raw() json.RawMessage { return e.raw }

// Equal compares full payloads, not just the reconciliation head. Both sides
// are decoded before comparison so that key order and whitespace differences
// between client serializations do not count as changes.
func (e *Element) Equal(other *Element) bool {
	if other == nil {
		return false
	}
	a, errA := e.MarshalJSON()
	b, errB := other.MarshalJSON()
	if errA != nil || errB != nil {
		return false
	}
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
