package domain

import "encoding/json"

// Record is one entry of backend-held history. Only the id is interpreted;
// the rest of the record is carried as the backend sent it.
type Record struct {
	ID  string
	raw json.RawMessage
}

func (r *Record) UnmarshalJSON(b []byte) error {
	r.raw = append(json.RawMessage(nil), b...)
	r.ID = ""

	// Records without an object shape or a string id have no usable id.
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(b, &head) != nil || len(head.ID) == 0 {
		return nil
	}
	var id string
	if json.Unmarshal(head.ID, &id) == nil {
		r.ID = id
	}
	return nil
}

// MarshalJSON returns the record bytes as received.
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}
