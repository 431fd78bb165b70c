package addresses

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Atlas/pkg/errors"
)

const twoGroupSpec = `{
	"home": {
		"house_number_and_street": ["home_number", "home_street"],
		"city": "home_city",
		"state": "home_state",
		"postcode": "home_zip"
	},
	"work": {
		"address": "work_address"
	}
}`

var twoGroupHeader = []string{
	"home_number", "home_street", "home_city", "home_state", "home_zip", "work_address",
}

func TestParse_AliasesAndGroups(t *testing.T) {
	spec, err := Parse([]byte(twoGroupSpec))
	require.NoError(t, err)

	require.Len(t, spec.Groups, 2)
	assert.Equal(t, []string{"home", "work"}, spec.Prefixes())

	home := spec.Groups["home"]
	assert.Len(t, home.Street.Keys, 2)
	require.NotNil(t, home.Zipcode)
	assert.Equal(t, "home_zip", home.Zipcode.Name)

	work := spec.Groups["work"]
	assert.Len(t, work.Street.Keys, 1)
	assert.Nil(t, work.City)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"gc": {"street": "a", "country": "b"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "country")
}

func TestParse_RequiresStreet(t *testing.T) {
	_, err := Parse([]byte(`{"gc": {"city": "a"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "street")
}

func TestParse_EmptySpec(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
}

func TestPrefixes_SortedLexicographically(t *testing.T) {
	spec, err := Parse([]byte(`{
		"zeta": {"address": "a"},
		"alpha": {"address": "a"},
		"mid": {"address": "a"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, spec.Prefixes())

	resolved, err := spec.Resolve([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, resolved.Prefixes())
}

func TestResolve_ByNameAndIndex(t *testing.T) {
	spec, err := Parse([]byte(`{"gc": {"street": ["a", 1], "city": 2}}`))
	require.NoError(t, err)

	resolved, err := spec.Resolve([]string{"a", "b", "c"})
	require.NoError(t, err)

	addr, err := resolved.ExtractAddress("gc", []string{"20 W 34th St", "Floor 2", "New York"})
	require.NoError(t, err)
	assert.Equal(t, "20 W 34th St Floor 2", addr.Street)
	assert.Equal(t, "New York", addr.City)
}

func TestResolve_UnknownColumn(t *testing.T) {
	spec, err := Parse([]byte(`{"gc": {"address": "missing"}}`))
	require.NoError(t, err)

	_, err = spec.Resolve([]string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestResolve_IndexOutOfRange(t *testing.T) {
	spec, err := Parse([]byte(`{"gc": {"address": 5}}`))
	require.NoError(t, err)

	_, err = spec.Resolve([]string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
}

func TestResolve_DuplicateHeaderColumn(t *testing.T) {
	spec, err := Parse([]byte(`{"gc": {"address": "a"}}`))
	require.NoError(t, err)

	_, err = spec.Resolve([]string{"a", "b", "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate header column "a"`)
}

func TestExtractAddress_FullMapping(t *testing.T) {
	spec, err := Parse([]byte(twoGroupSpec))
	require.NoError(t, err)

	resolved, err := spec.Resolve(twoGroupHeader)
	require.NoError(t, err)

	row := []string{"1600", "Pennsylvania Avenue NW", "Washington", "DC", "20500", "1 Main St"}

	home, err := resolved.ExtractAddress("home", row)
	require.NoError(t, err)
	assert.Equal(t, Address{
		Street:  "1600 Pennsylvania Avenue NW",
		City:    "Washington",
		State:   "DC",
		Zipcode: "20500",
	}, home)

	work, err := resolved.ExtractAddress("work", row)
	require.NoError(t, err)
	assert.Equal(t, Address{Street: "1 Main St"}, work)
}

func TestExtractAddress_UnknownGroup(t *testing.T) {
	spec, err := Parse([]byte(`{"gc": {"address": "a"}}`))
	require.NoError(t, err)
	resolved, err := spec.Resolve([]string{"a"})
	require.NoError(t, err)

	_, err = resolved.ExtractAddress("nope", []string{"x"})
	require.Error(t, err)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(twoGroupSpec), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "work"}, spec.Prefixes())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.yaml")
	doc := `
home:
  house_number_and_street:
    - home_number
    - home_street
  city: home_city
work:
  address: work_address
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "work"}, spec.Prefixes())
	assert.Len(t, spec.Groups["home"].Street.Keys, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
}
