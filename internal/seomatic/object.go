package seomatic

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Member is a single key/value pair of an Object.
type Member struct {
	Key   string
	Value json.RawMessage
}

// Object is a JSON object that keeps its members in the order they were decoded.
// Tag and link descriptors are Objects so attribute order survives re-encoding.
type Object struct {
	members []Member
}

// NewObject builds an Object from members, preserving their order.
func NewObject(members ...Member) Object {
	out := Object{members: make([]Member, 0, len(members))}
	for _, m := range members {
		out.members = append(out.members, Member{Key: m.Key, Value: append(json.RawMessage(nil), m.Value...)})
	}
	return out
}

// Len returns the number of members.
func (o Object) Len() int { return len(o.members) }

// Members returns the members in document order.
func (o Object) Members() []Member {
	out := make([]Member, len(o.members))
	copy(out, o.members)
	return out
}

// Get returns the raw value of the first member named key.
func (o Object) Get(key string) (json.RawMessage, bool) {
	for _, m := range o.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// String returns the member value when it is a JSON string.
func (o Object) String(key string) (string, bool) {
	raw, ok := o.Get(key)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// MarshalJSON encodes the members in order without HTML escaping.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o.members {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := compactValue(&buf, m.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping member order. null decodes to an empty Object.
func (o *Object) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*o = Object{}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("seomatic: expected JSON object, got %s", describeToken(tok))
	}
	members := make([]Member, 0)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("seomatic: expected object key, got %s", describeToken(keyTok))
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		members = append(members, Member{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	o.members = members
	return nil
}

func compactValue(buf *bytes.Buffer, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		buf.WriteString("null")
		return nil
	}
	return json.Compact(buf, raw)
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func describeToken(tok json.Token) string {
	switch v := tok.(type) {
	case json.Delim:
		return string(v)
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// jsonKind classifies the first significant byte of raw.
func jsonKind(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	switch c := trimmed[0]; c {
	case '{', '[', '"':
		return c
	case 'n':
		return 'n'
	default:
		return 'v'
	}
}
