package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loanYAML = `
name: loan
uuid: 1b4e28ba-2fa1-11d2-883f-0016d3cca427
owner: bank
nodes:
  - id: start
    type: start
  - id: review
    type: activity
    predecessors: [start]
    message: review-application
    results:
      - name: approved
        required: true
  - id: end
    type: end
    predecessors: [review]
`

func TestLoadYAML(t *testing.T) {
	b, err := LoadYAML(strings.NewReader(loanYAML))
	require.NoError(t, err)
	m, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, "loan", m.Name)
	assert.Equal(t, "bank", m.Owner)
	assert.Equal(t, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", m.UUID.String())
	review, ok := m.Node("review")
	require.True(t, ok)
	assert.Equal(t, NodeTypeActivity, review.Type)
	assert.Equal(t, "review-application", review.Message)
	assert.Equal(t, []ResultDef{{Name: "approved", Required: true}}, review.Results)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("name: x\ncolor: red\n"))
	assert.Error(t, err)
}

func TestLoadYAMLInvalidUUID(t *testing.T) {
	_, err := LoadYAML(strings.NewReader("name: x\nuuid: nope\n"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
