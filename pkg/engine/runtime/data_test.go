package runtime

import (
	"encoding/json"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResults(t *testing.T) {
	node := model.Node{ID: "review", Results: []model.ResultDef{{Name: "approved", Required: true}, {Name: "note"}}}

	items, err := ParseResults(node, []byte(`{"note":"fine","approved":true}`))
	require.NoError(t, err)
	assert.Equal(t, []DataItem{
		{Name: "approved", Value: json.RawMessage("true")},
		{Name: "note", Value: json.RawMessage(`"fine"`)},
	}, items)

	_, err = ParseResults(node, []byte(`{"note":"x"}`))
	var perr *PayloadError
	assert.ErrorAs(t, err, &perr)

	_, err = ParseResults(node, []byte(`{"approved":true,"other":1}`))
	assert.ErrorAs(t, err, &perr)

	_, err = ParseResults(node, []byte(`[1,2]`))
	assert.ErrorAs(t, err, &perr)

	_, err = ParseResults(node, nil)
	assert.ErrorAs(t, err, &perr)
}

func TestParseResultsWithoutSchema(t *testing.T) {
	items, err := ParseResults(model.Node{ID: "x"}, []byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, "a", items[0].Name)

	items, err = ParseResults(model.Node{ID: "x"}, nil)
	assert.NoError(t, err)
	assert.Empty(t, items)
}

func TestEncodeItems(t *testing.T) {
	data, err := EncodeItems([]DataItem{{Name: "a", Value: json.RawMessage("1")}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}
