package document

import (
	"encoding/json"
	"time"
)

// Reserved field names resolved from Document metadata rather than Fields.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Fields is the schema-flexible body of a document.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps and slices are copied too.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of f with every key of patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Fields(t).Clone())
	case Fields:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Document is a uniquely identified record within a collection.
type Document struct {
	ID        string    `json:"id"`
	Fields    Fields    `json:"fields"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Clone returns a copy of d that shares no mutable state with it.
func (d Document) Clone() Document {
	d.Fields = d.Fields.Clone()
	return d
}

// Value returns the value stored under name. The reserved names id, createdAt
// and updatedAt resolve to the document metadata.
func (d Document) Value(name string) (any, bool) {
	switch name {
	case FieldID:
		return d.ID, true
	case FieldCreatedAt:
		if d.CreatedAt.IsZero() {
			return nil, false
		}
		return d.CreatedAt, true
	case FieldUpdatedAt:
		if d.UpdatedAt.IsZero() {
			return nil, false
		}
		return d.UpdatedAt, true
	}
	v, ok := d.Fields[name]
	return v, ok
}

// String returns the string field name, or "" when absent or not a string.
func (d Document) String(name string) string {
	v, _ := d.Fields[name].(string)
	return v
}

// Float returns the numeric field name as float64.
func (d Document) Float(name string) (float64, bool) {
	return toFloat(d.Fields[name])
}

// Decode unmarshals the document fields into out via JSON, with id,
// createdAt and updatedAt merged in.
func (d Document) Decode(out any) error {
	body := d.Fields.Clone()
	if body == nil {
		body = Fields{}
	}
	body[FieldID] = d.ID
	if !d.CreatedAt.IsZero() {
		body[FieldCreatedAt] = d.CreatedAt
	}
	if !d.UpdatedAt.IsZero() {
		body[FieldUpdatedAt] = d.UpdatedAt
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// FromValue builds a document from a struct or map, reading id, createdAt and
// updatedAt out of the encoded body.
func FromValue(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, err
	}
	var body Fields
	if err := json.Unmarshal(raw, &body); err != nil {
		return Document{}, err
	}
	doc := Document{Fields: body}
	if id, ok := body[FieldID].(string); ok {
		doc.ID = id
	}
	doc.CreatedAt = parseTime(body[FieldCreatedAt])
	doc.UpdatedAt = parseTime(body[FieldUpdatedAt])
	delete(body, FieldID)
	delete(body, FieldCreatedAt)
	delete(body, FieldUpdatedAt)
	return doc, nil
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CloneAll deep-copies a snapshot.
func CloneAll(docs []Document) []Document {
	if docs == nil {
		return nil
	}
	out := make([]Document, len(docs))
	for i := range docs {
		out[i] = docs[i].Clone()
	}
	return out
}
