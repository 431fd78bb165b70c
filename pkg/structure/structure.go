// Package structure selects which fields of a nested geocoding response are
// flattened into output columns. A structure document is a nested object of
// booleans: true marks a field to include, false (or absence) drops it.
//
// Field order in the document is column order in the output, so parsing goes
// through the json token stream rather than a map, which would not preserve
// key order.
package structure

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

// The full set of fields the street-address service returns.
//
//go:embed complete.json
var completeJSON []byte

// Structure is a fixed, ordered set of response-field paths. Immutable after
// parsing; shared read-only by every batch in a run.
type Structure struct {
	// paths holds the selected leaf paths in document order. The document
	// nests at most one level, so each path has one or two elements.
	paths [][]string
}

// Complete returns a Structure selecting every field the service returns
func Complete() (*Structure, error) {
	return Parse(completeJSON)
}

// Parse parses a structure document
func Parse(data []byte) (*Structure, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
	}

	s := &Structure{}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
		}
		switch v := tok.(type) {
		case bool:
			if v {
				s.paths = append(s.paths, []string{key})
			}
		case json.Delim:
			if v != '{' {
				return nil, errors.Newf(errors.CodeConfig, "invalid structure value at %q", key)
			}
			for dec.More() {
				nested, err := readKey(dec)
				if err != nil {
					return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
				}
				tok, err := dec.Token()
				if err != nil {
					return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
				}
				include, ok := tok.(bool)
				if !ok {
					return nil, errors.Newf(errors.CodeConfig, "invalid structure value at %q.%q", key, nested)
				}
				if include {
					s.paths = append(s.paths, []string{key, nested})
				}
			}
			if err := expectDelim(dec, '}'); err != nil {
				return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
			}
		default:
			return nil, errors.Newf(errors.CodeConfig, "invalid structure value at %q", key)
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, errors.NewError(errors.CodeConfig, "invalid structure document", err)
	}

	return s, nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// ColumnCount returns the number of columns this structure adds per
// address group, independent of match success.
func (s *Structure) ColumnCount() int {
	return len(s.paths)
}

// HeaderColumns returns the output column names for one address group, in
// selection order. Names are "<prefix>_<leaf>".
func (s *Structure) HeaderColumns(prefix string) []string {
	columns := make([]string, len(s.paths))
	for i, path := range s.paths {
		columns[i] = prefix + "_" + path[len(path)-1]
	}
	return columns
}

// AppendValueColumns flattens the selected fields of one response onto row.
// Missing fields become empty strings, so the column count never varies.
func (s *Structure) AppendValueColumns(data map[string]interface{}, row []string) ([]string, error) {
	for _, path := range s.paths {
		value, ok := lookup(data, path)
		if !ok {
			row = append(row, "")
			continue
		}

		switch v := value.(type) {
		case nil:
			row = append(row, "")
		case bool:
			if v {
				row = append(row, "T")
			} else {
				row = append(row, "F")
			}
		case string:
			row = append(row, v)
		case json.Number:
			row = append(row, v.String())
		case float64:
			// Only reached when the response was decoded without UseNumber.
			row = append(row, fmt.Sprintf("%v", v))
		default:
			return nil, errors.Newf(errors.CodeMalformedResponse, "unexpected value at %v: %v", path, value)
		}
	}
	return row, nil
}

// AppendEmptyColumns appends one empty column per selected field. Called
// when an address had no geocoding match.
func (s *Structure) AppendEmptyColumns(row []string) []string {
	for range s.paths {
		row = append(row, "")
	}
	return row
}

func lookup(data map[string]interface{}, path []string) (interface{}, bool) {
	var value interface{} = data
	for _, key := range path {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return value, true
}
