// Package addresses models the declarative column specification that maps
// output-column-group prefixes to the input columns holding address parts.
// A spec is written against column names or numeric indices; before the
// pipeline starts it is resolved against the header into pure positional
// lookups so the per-row hot path never touches a map.
package addresses

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

// Address is one composite address value extracted from a row. Street is
// always present; the other parts are optional and empty when unmapped.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zipcode string `json:"zipcode,omitempty"`
}

// ColumnKey identifies one input column, by name or by numeric index.
type ColumnKey struct {
	Name    string
	Index   int
	IsIndex bool
}

// UnmarshalJSON accepts either a JSON string (column name) or number (index)
func (k *ColumnKey) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*k = ColumnKey{Index: idx, IsIndex: true}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("column key must be a string or an integer: %s", string(data))
	}
	*k = ColumnKey{Name: name}
	return nil
}

// ColumnKeyOrKeys is a single column key, or several keys whose values are
// joined with spaces when building the address.
type ColumnKeyOrKeys struct {
	Keys []ColumnKey
}

// UnmarshalJSON accepts a scalar key or a list of keys
func (kk *ColumnKeyOrKeys) UnmarshalJSON(data []byte) error {
	var keys []ColumnKey
	if err := json.Unmarshal(data, &keys); err == nil {
		if len(keys) == 0 {
			return fmt.Errorf("column key list must not be empty")
		}
		kk.Keys = keys
		return nil
	}
	var key ColumnKey
	if err := json.Unmarshal(data, &key); err != nil {
		return err
	}
	kk.Keys = []ColumnKey{key}
	return nil
}

// ColumnKeys names the input columns making up one address group.
type ColumnKeys struct {
	// Street is required. The spec may call it "street",
	// "house_number_and_street", or "address".
	Street ColumnKeyOrKeys

	// City, State and Zipcode are optional. "postcode" is accepted as an
	// alias for "zipcode".
	City    *ColumnKey
	State   *ColumnKey
	Zipcode *ColumnKey
}

// UnmarshalJSON handles the field aliases and rejects unknown fields
func (ck *ColumnKeys) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	streetSeen := false
	zipSeen := false
	for field, value := range raw {
		switch field {
		case "street", "house_number_and_street", "address":
			if streetSeen {
				return fmt.Errorf("street specified more than once")
			}
			streetSeen = true
			if err := json.Unmarshal(value, &ck.Street); err != nil {
				return err
			}
		case "city":
			if err := json.Unmarshal(value, &ck.City); err != nil {
				return err
			}
		case "state":
			if err := json.Unmarshal(value, &ck.State); err != nil {
				return err
			}
		case "zipcode", "postcode":
			if zipSeen {
				return fmt.Errorf("zipcode specified more than once")
			}
			zipSeen = true
			if err := json.Unmarshal(value, &ck.Zipcode); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown address column field %q", field)
		}
	}
	if !streetSeen {
		return fmt.Errorf("address group is missing a street column")
	}
	return nil
}

// ColumnSpec maps output-column-group prefixes (e.g. "home", "work") to the
// input columns holding that group's address parts.
type ColumnSpec struct {
	Groups map[string]ColumnKeys
}

// UnmarshalJSON parses the whole document as prefix -> column keys
func (s *ColumnSpec) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.Groups)
}

// Load reads a column spec from a JSON file, or a YAML file when the path
// ends in .yaml or .yml.
func Load(path string) (*ColumnSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewError(errors.CodeConfig, fmt.Sprintf("could not read column spec %s", path), err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Round-trip through JSON so the alias handling lives in one place.
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.NewError(errors.CodeConfig, fmt.Sprintf("could not parse column spec %s", path), err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, errors.NewError(errors.CodeConfig, fmt.Sprintf("could not parse column spec %s", path), err)
		}
	}

	return Parse(data)
}

// Parse parses a JSON column spec document
func Parse(data []byte) (*ColumnSpec, error) {
	var spec ColumnSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.NewError(errors.CodeConfig, "invalid column spec", err)
	}
	if len(spec.Groups) == 0 {
		return nil, errors.Newf(errors.CodeConfig, "column spec defines no address groups")
	}
	return &spec, nil
}

// Prefixes returns the spec's address-group prefixes in ascending
// lexicographic order, the order their output columns will appear in.
func (s *ColumnSpec) Prefixes() []string {
	prefixes := make([]string, 0, len(s.Groups))
	for prefix := range s.Groups {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	return prefixes
}

// Resolve converts the spec's column names into positional indices against
// the given header. Fails on unknown names, out-of-range indices, and
// duplicate input header names, all before any row is processed.
func (s *ColumnSpec) Resolve(header []string) (*ResolvedSpec, error) {
	byName := make(map[string]int, len(header))
	for idx, name := range header {
		if _, dup := byName[name]; dup {
			return nil, errors.Newf(errors.CodeConfig, "duplicate header column %q", name)
		}
		byName[name] = idx
	}

	resolved := &ResolvedSpec{
		groups: make(map[string]resolvedKeys, len(s.Groups)),
	}
	for prefix, keys := range s.Groups {
		rk, err := keys.resolve(byName, len(header))
		if err != nil {
			return nil, err
		}
		resolved.groups[prefix] = rk
		resolved.prefixes = append(resolved.prefixes, prefix)
	}

	// Output column order is defined as ascending prefix order, so that
	// reruns over the same spec always produce the same table shape.
	sort.Strings(resolved.prefixes)
	return resolved, nil
}

func resolveKey(key ColumnKey, byName map[string]int, width int) (int, error) {
	if key.IsIndex {
		if key.Index < 0 || key.Index >= width {
			return 0, errors.Newf(errors.CodeConfig, "column index %d out of range, header has %d columns", key.Index, width)
		}
		return key.Index, nil
	}
	idx, ok := byName[key.Name]
	if !ok {
		return 0, errors.Newf(errors.CodeConfig, "could not find column %q in header", key.Name)
	}
	return idx, nil
}

func (ck ColumnKeys) resolve(byName map[string]int, width int) (resolvedKeys, error) {
	var rk resolvedKeys
	for _, key := range ck.Street.Keys {
		idx, err := resolveKey(key, byName, width)
		if err != nil {
			return rk, err
		}
		rk.street = append(rk.street, idx)
	}
	for _, opt := range []struct {
		key *ColumnKey
		dst **int
	}{
		{ck.City, &rk.city},
		{ck.State, &rk.state},
		{ck.Zipcode, &rk.zipcode},
	} {
		if opt.key == nil {
			continue
		}
		idx, err := resolveKey(*opt.key, byName, width)
		if err != nil {
			return rk, err
		}
		*opt.dst = &idx
	}
	return rk, nil
}

// resolvedKeys holds the positional lookups for one address group.
type resolvedKeys struct {
	street  []int
	city    *int
	state   *int
	zipcode *int
}

// ResolvedSpec is a ColumnSpec bound to a concrete header. Immutable after
// construction; shared read-only by every batch in a run.
type ResolvedSpec struct {
	prefixes []string
	groups   map[string]resolvedKeys
}

// Prefixes returns the address-group prefixes in ascending lexicographic
// order. This order determines the output column order.
func (r *ResolvedSpec) Prefixes() []string {
	return r.prefixes
}

// PrefixCount returns the number of address groups
func (r *ResolvedSpec) PrefixCount() int {
	return len(r.prefixes)
}

// ExtractAddress builds the address value for one group from one row
func (r *ResolvedSpec) ExtractAddress(prefix string, row []string) (Address, error) {
	rk, ok := r.groups[prefix]
	if !ok {
		return Address{}, errors.Newf(errors.CodeConfig, "unknown address group %q", prefix)
	}

	var addr Address
	if len(rk.street) == 1 {
		addr.Street = row[rk.street[0]]
	} else {
		parts := make([]string, len(rk.street))
		for i, idx := range rk.street {
			parts[i] = row[idx]
		}
		addr.Street = strings.Join(parts, " ")
	}
	if rk.city != nil {
		addr.City = row[*rk.city]
	}
	if rk.state != nil {
		addr.State = row[*rk.state]
	}
	if rk.zipcode != nil {
		addr.Zipcode = row[*rk.zipcode]
	}
	return addr, nil
}
