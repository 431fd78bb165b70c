package geocoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/pkg/errors"
	"github.com/wehubfusion/Atlas/pkg/structure"
)

func twoFieldStructure(t *testing.T) *structure.Structure {
	t.Helper()
	s, err := structure.Parse([]byte(`{"addressee": true, "zipcode": true}`))
	require.NoError(t, err)
	return s
}

func TestParseDuplicatePolicy(t *testing.T) {
	for _, valid := range []string{"error", "replace", "append"} {
		policy, err := ParseDuplicatePolicy(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, string(policy))
	}

	_, err := ParseDuplicatePolicy("ignore")
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
}

func TestPlanHeader_NoConflict(t *testing.T) {
	plan, err := planHeader(
		[]string{"address", "zip"},
		[]string{"gc"},
		twoFieldStructure(t),
		DuplicateError,
		zap.NewNop(),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"address", "zip"}, plan.maskedHeader)
	assert.Equal(t, []string{"address", "zip", "gc_addressee", "gc_zipcode"}, plan.outHeader)

	row := []string{"20 W 34th St", "10118"}
	assert.Equal(t, row, plan.apply(row))
}

func TestPlanHeader_ErrorPolicyNamesEveryConflict(t *testing.T) {
	_, err := planHeader(
		[]string{"address", "gc_addressee", "zip", "gc_zipcode"},
		[]string{"gc"},
		twoFieldStructure(t),
		DuplicateError,
		zap.NewNop(),
	)
	require.Error(t, err)
	assert.Equal(t, errors.CodeColumnConflict, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "gc_addressee")
	assert.Contains(t, err.Error(), "gc_zipcode")
}

func TestPlanHeader_ReplaceDropsInputColumn(t *testing.T) {
	plan, err := planHeader(
		[]string{"address", "gc_addressee", "zip"},
		[]string{"gc"},
		twoFieldStructure(t),
		DuplicateReplace,
		zap.NewNop(),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"address", "zip"}, plan.maskedHeader)
	assert.Equal(t, []string{"address", "zip", "gc_addressee", "gc_zipcode"}, plan.outHeader)

	// The mask removes the colliding column from every row.
	assert.Equal(t, []string{"20 W 34th St", "10118"},
		plan.apply([]string{"20 W 34th St", "stale", "10118"}))
}

func TestPlanHeader_AppendKeepsBothInputFirst(t *testing.T) {
	plan, err := planHeader(
		[]string{"address", "gc_addressee", "zip"},
		[]string{"gc"},
		twoFieldStructure(t),
		DuplicateAppend,
		zap.NewNop(),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"address", "gc_addressee", "zip"}, plan.maskedHeader)
	assert.Equal(t,
		[]string{"address", "gc_addressee", "zip", "gc_addressee", "gc_zipcode"},
		plan.outHeader)

	row := []string{"20 W 34th St", "kept", "10118"}
	assert.Equal(t, row, plan.apply(row))
}

func TestPlanHeader_GroupsOrderedByPrefix(t *testing.T) {
	plan, err := planHeader(
		[]string{"a"},
		[]string{"billing", "shipping"},
		twoFieldStructure(t),
		DuplicateError,
		zap.NewNop(),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"a",
		"billing_addressee", "billing_zipcode",
		"shipping_addressee", "shipping_zipcode",
	}, plan.outHeader)
}
