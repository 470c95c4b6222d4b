package rpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"pkt.systems/netconfd/internal/datastore"
)

// encodeDocument renders a configuration document as element markup with
// deterministic key order. Lists repeat their parent element once per item.
func encodeDocument(doc datastore.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMap(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMap(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case []any:
			for _, item := range v {
				if err := encodeElement(buf, k, item); err != nil {
					return err
				}
			}
		default:
			if err := encodeElement(buf, k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeElement(buf *bytes.Buffer, name string, v any) error {
	fmt.Fprintf(buf, "<%s>", name)
	switch inner := v.(type) {
	case map[string]any:
		if err := encodeMap(buf, inner); err != nil {
			return err
		}
	case datastore.Document:
		if err := encodeMap(buf, inner); err != nil {
			return err
		}
	case nil:
	default:
		if err := xml.EscapeText(buf, []byte(fmt.Sprint(inner))); err != nil {
			return err
		}
	}
	fmt.Fprintf(buf, "</%s>", name)
	return nil
}

// decodeDocument parses element markup back into a document. Repeated
// sibling elements become a list, leaf text becomes a string.
func decodeDocument(inner []byte) (datastore.Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	m, _, err := decodeChildren(dec)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return datastore.Document(m), nil
}

// decodeChildren consumes tokens until the enclosing element ends, returning
// the child map and accumulated character data.
func decodeChildren(dec *xml.Decoder) (map[string]any, string, error) {
	children := map[string]any{}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return children, strings.TrimSpace(text.String()), err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			childMap, childText, err := decodeChildren(dec)
			if err != nil && err != io.EOF {
				return nil, "", err
			}
			var value any
			if len(childMap) > 0 {
				value = map[string]any(childMap)
			} else {
				value = childText
			}
			addChild(children, t.Name.Local, value)
		case xml.EndElement:
			return children, strings.TrimSpace(text.String()), nil
		case xml.CharData:
			text.Write(t)
		}
	}
}

func addChild(m map[string]any, key string, value any) {
	existing, ok := m[key]
	if !ok {
		m[key] = value
		return
	}
	if list, isList := existing.([]any); isList {
		m[key] = append(list, value)
		return
	}
	m[key] = []any{existing, value}
}
