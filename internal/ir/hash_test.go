package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := map[string][]Child{
		"p1": {{ID: "a", Order: 1}, {ID: "b", Order: 2}},
		"p2": {{ID: "c", Order: 1.5}},
	}
	b := map[string][]Child{
		"p2": {{ID: "c", Order: 1.5}},
		"p1": {{ID: "a", Order: 1}, {ID: "b", Order: 2}},
	}
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestFingerprint_SensitiveToOrderAndKeys(t *testing.T) {
	base, err := Fingerprint(map[string][]Child{"p": {{ID: "a", Order: 1}, {ID: "b", Order: 2}}})
	require.NoError(t, err)

	swapped, err := Fingerprint(map[string][]Child{"p": {{ID: "b", Order: 2}, {ID: "a", Order: 1}}})
	require.NoError(t, err)
	assert.NotEqual(t, base, swapped)

	nudged, err := Fingerprint(map[string][]Child{"p": {{ID: "a", Order: 1}, {ID: "b", Order: 2.0000000001}}})
	require.NoError(t, err)
	assert.NotEqual(t, base, nudged)
}

func TestFingerprint_Empty(t *testing.T) {
	empty, err := Fingerprint(nil)
	require.NoError(t, err)
	alsoEmpty, err := Fingerprint(map[string][]Child{})
	require.NoError(t, err)
	assert.Equal(t, empty, alsoEmpty)
}
