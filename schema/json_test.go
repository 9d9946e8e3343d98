package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffObjects(t *testing.T) {
	var cases = []struct{ old, new, expect string }{
		{`{}`, `{}`, `{}`},
		{`{"a": null}`, `{}`, `{}`},
		{`{}`, `{"a": null}`, `{}`},
		{`{"b": 1}`, `{"a": null, "b": 1}`, `{}`},
		{`{"b": 1}`, `{"a": null, "b": 2}`, `{"b":2}`},
		{`{"a": 0, "b": 1}`, `{"a": null, "b": 2}`, `{"a":null,"b":2}`},
		{`{"a": 1}`, `{"a": null}`, `{"a":null}`},
		{`{"a": 1}`, `{}`, `{"a":null}`},
		{`{"a": 1}`, `{"a": 2}`, `{"a":2}`},
		{`{"a": 1}`, `{"a": "1"}`, `{"a":"1"}`},
	}
	for _, c := range cases {
		var diff, err = DiffObjects(c.old, c.new)
		require.NoError(t, err, "diff(%s, %s)", c.old, c.new)
		require.JSONEq(t, c.expect, diff, "diff(%s, %s)", c.old, c.new)
	}
}

func TestDiffObjectsRejectsNonObjects(t *testing.T) {
	var _, err = DiffObjects(`[]`, `{}`)
	require.Error(t, err)
	_, err = DiffObjects(`{}`, `"nope"`)
	require.Error(t, err)
}

func TestMergeObjects(t *testing.T) {
	var merged, err = MergeObjects(`{"a": 1}`, `{"b": 2}`, `{"a": 3}`)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":3,"b":2}`, merged)

	merged, err = MergeObjects()
	require.NoError(t, err)
	require.Equal(t, `{}`, merged)

	_, err = MergeObjects(`{"a": 1}`, `[]`)
	require.Error(t, err)
}
