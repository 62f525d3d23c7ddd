package seomatic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Container keys requested from the SEOmatic GraphQL field.
const (
	KeyTitleContainer  = "metaTitleContainer"
	KeyTagContainer    = "metaTagContainer"
	KeyLinkContainer   = "metaLinkContainer"
	KeyScriptContainer = "metaScriptContainer"
	KeyJSONLDContainer = "metaJsonLdContainer"
)

// ContainerKeys lists the containers in the order they are selected.
var ContainerKeys = []string{
	KeyTitleContainer,
	KeyTagContainer,
	KeyLinkContainer,
	KeyScriptContainer,
	KeyJSONLDContainer,
}

// JSONLDType is the script type attached to JSON-LD descriptors.
const JSONLDType = "application/ld+json"

// SanitizerScript names the bundle field whose innerHTML must be injected unescaped.
const SanitizerScript = "script"

// Script describes a <script> element. InnerHTML is injected verbatim by the rendering layer.
type Script struct {
	Type      string `json:"type,omitempty"`
	InnerHTML string `json:"innerHTML"`
}

// Bundle is the head metadata handed to the rendering layer.
// A nil Meta or Link means the CMS supplied no such container; Title is empty when absent.
type Bundle struct {
	Title             string
	Meta              []Object
	Link              []Object
	Script            []Script
	DisableSanitizers []string
}

// HasTitle reports whether the bundle carries a title.
func (b Bundle) HasTitle() bool { return b.Title != "" }

// SanitizerDisabled reports whether field is listed in DisableSanitizers.
func (b Bundle) SanitizerDisabled(field string) bool {
	for _, f := range b.DisableSanitizers {
		if f == field {
			return true
		}
	}
	return false
}

type bundleWire struct {
	Title             *string   `json:"title,omitempty"`
	Meta              *[]Object `json:"meta,omitempty"`
	Link              *[]Object `json:"link,omitempty"`
	Script            []Script  `json:"script"`
	DisableSanitizers []string  `json:"__dangerouslyDisableSanitizers"`
}

// MarshalJSON omits title, meta and link when their containers were absent.
func (b Bundle) MarshalJSON() ([]byte, error) {
	wire := bundleWire{
		Script:            b.Script,
		DisableSanitizers: b.DisableSanitizers,
	}
	if wire.Script == nil {
		wire.Script = []Script{}
	}
	if wire.DisableSanitizers == nil {
		wire.DisableSanitizers = []string{SanitizerScript}
	}
	if b.Title != "" {
		title := b.Title
		wire.Title = &title
	}
	if b.Meta != nil {
		meta := b.Meta
		wire.Meta = &meta
	}
	if b.Link != nil {
		link := b.Link
		wire.Link = &link
	}
	return marshalNoEscape(wire)
}

// containers holds the decoded SEOmatic containers keyed by container name.
// Absent, null, empty and empty-array containers have no entry.
type containers map[string]Object

func (c containers) get(key string) (Object, bool) {
	obj, ok := c[key]
	return obj, ok
}

// decodeContainers unpacks the seomatic payload. Each value is normally a JSON string
// holding the encoded container; an inline object is accepted as well.
func decodeContainers(payload json.RawMessage) (containers, error) {
	var seomatic Object
	if err := json.Unmarshal(payload, &seomatic); err != nil {
		return nil, fmt.Errorf("decode seomatic payload: %w", err)
	}
	out := make(containers, len(ContainerKeys))
	for _, key := range ContainerKeys {
		raw, ok := seomatic.Get(key)
		if !ok {
			continue
		}
		obj, present, err := decodeContainer(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if present {
			out[key] = obj
		}
	}
	return out, nil
}

func decodeContainer(raw json.RawMessage) (Object, bool, error) {
	switch jsonKind(raw) {
	case 0, 'n':
		return Object{}, false, nil
	case '{':
		return objectContainer(raw)
	case '"':
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return Object{}, false, err
		}
		if strings.TrimSpace(encoded) == "" {
			return Object{}, false, nil
		}
		inner := json.RawMessage(encoded)
		if !json.Valid(inner) {
			return Object{}, false, fmt.Errorf("container is not valid JSON")
		}
		switch jsonKind(inner) {
		case 'n':
			return Object{}, false, nil
		case '[':
			return arrayContainer(inner)
		case '{':
			return objectContainer(inner)
		}
		return Object{}, false, fmt.Errorf("container must be a JSON object")
	case '[':
		return arrayContainer(raw)
	}
	return Object{}, false, fmt.Errorf("container must be a JSON string or object")
}

// arrayContainer indexes list-shaped containers by position. PHP encodes an
// empty container as [] rather than {}, which yields an absent container.
func arrayContainer(raw json.RawMessage) (Object, bool, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Object{}, false, err
	}
	if len(entries) == 0 {
		return Object{}, false, nil
	}
	members := make([]Member, 0, len(entries))
	for i, entry := range entries {
		members = append(members, Member{Key: strconv.Itoa(i), Value: entry})
	}
	return Object{members: members}, true, nil
}

func objectContainer(raw json.RawMessage) (Object, bool, error) {
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Object{}, false, err
	}
	if obj.Len() == 0 {
		return Object{}, false, nil
	}
	return obj, true, nil
}

// buildBundle turns decoded containers into the rendering bundle.
func buildBundle(c containers) (Bundle, error) {
	b := Bundle{
		Script:            []Script{},
		DisableSanitizers: []string{SanitizerScript},
	}

	if titleContainer, ok := c.get(KeyTitleContainer); ok {
		b.Title = extractTitle(titleContainer)
	}

	if tags, ok := c.get(KeyTagContainer); ok {
		meta, err := flattenGroups(tags)
		if err != nil {
			return Bundle{}, fmt.Errorf("flatten %s: %w", KeyTagContainer, err)
		}
		b.Meta = meta
	}

	if links, ok := c.get(KeyLinkContainer); ok {
		link, err := flattenGroups(links)
		if err != nil {
			return Bundle{}, fmt.Errorf("flatten %s: %w", KeyLinkContainer, err)
		}
		b.Link = link
	}

	if scripts, ok := c.get(KeyScriptContainer); ok {
		b.Script = append(b.Script, scriptDescriptors(scripts)...)
	}

	if jsonLD, ok := c.get(KeyJSONLDContainer); ok {
		descriptors, err := jsonLDDescriptors(jsonLD)
		if err != nil {
			return Bundle{}, fmt.Errorf("encode %s: %w", KeyJSONLDContainer, err)
		}
		b.Script = append(b.Script, descriptors...)
	}

	return b, nil
}

// extractTitle reads title.title; any missing or non-string step yields "".
func extractTitle(container Object) string {
	raw, ok := container.Get("title")
	if !ok || jsonKind(raw) != '{' {
		return ""
	}
	var inner Object
	if err := json.Unmarshal(raw, &inner); err != nil {
		return ""
	}
	title, _ := inner.String("title")
	return title
}

// flattenGroups concatenates every group's descriptors in document order.
// A group holding a single object contributes that object; null groups and
// non-object entries contribute nothing.
func flattenGroups(container Object) ([]Object, error) {
	out := make([]Object, 0)
	for _, group := range container.members {
		switch jsonKind(group.Value) {
		case '[':
			var entries []json.RawMessage
			if err := json.Unmarshal(group.Value, &entries); err != nil {
				return nil, fmt.Errorf("group %q: %w", group.Key, err)
			}
			for _, entry := range entries {
				if jsonKind(entry) != '{' {
					continue
				}
				var obj Object
				if err := json.Unmarshal(entry, &obj); err != nil {
					return nil, fmt.Errorf("group %q: %w", group.Key, err)
				}
				out = append(out, obj)
			}
		case '{':
			var obj Object
			if err := json.Unmarshal(group.Value, &obj); err != nil {
				return nil, fmt.Errorf("group %q: %w", group.Key, err)
			}
			out = append(out, obj)
		}
	}
	return out, nil
}

// scriptDescriptors emits one Script per entry carrying a string "script" field.
func scriptDescriptors(container Object) []Script {
	out := make([]Script, 0, container.Len())
	for _, entry := range container.members {
		if jsonKind(entry.Value) != '{' {
			continue
		}
		var obj Object
		if err := json.Unmarshal(entry.Value, &obj); err != nil {
			continue
		}
		script, ok := obj.String("script")
		if !ok {
			continue
		}
		out = append(out, Script{InnerHTML: script})
	}
	return out
}

// jsonLDDescriptors serialises each entry as the pair [key, value], matching the
// payload shape the frontend has always emitted.
func jsonLDDescriptors(container Object) ([]Script, error) {
	out := make([]Script, 0, container.Len())
	for _, entry := range container.members {
		inner, err := encodeEntryPair(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, Script{Type: JSONLDType, InnerHTML: inner})
	}
	return out, nil
}

func encodeEntryPair(m Member) (string, error) {
	var buf bytes.Buffer
	key, err := marshalNoEscape(m.Key)
	if err != nil {
		return "", err
	}
	buf.WriteByte('[')
	buf.Write(key)
	buf.WriteByte(',')
	if err := compactValue(&buf, m.Value); err != nil {
		return "", err
	}
	buf.WriteByte(']')
	return buf.String(), nil
}
