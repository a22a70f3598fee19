package main

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestDecodeFixturesSingle(t *testing.T) {
	wfs, err := decodeFixtures(strings.NewReader(`
name: Welcome
trigger_type: CONTACT_CREATED
steps:
  - id: t
    type: TRIGGER
  - id: tag
    type: TAG_ASSIGNMENT
    parent_id: t
    config:
      tagsToAdd: [new]
`))
	require.NoError(t, err)
	require.Len(t, wfs, 1)

	wf := wfs[0]
	assert.NotEmpty(t, wf.ID, "id generated")
	assert.True(t, wf.IsActive, "active by default")
	assert.Equal(t, schema.TriggerContactCreated, wf.TriggerType)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, 0, wf.Steps[0].Position)
	assert.Equal(t, 1, wf.Steps[1].Position, "positions follow list order")
	assert.Equal(t, wf.ID, wf.Steps[1].WorkflowID)
	require.NotNil(t, wf.Steps[1].ParentID)
	assert.Equal(t, "t", *wf.Steps[1].ParentID)
	assert.JSONEq(t, `{"tagsToAdd":["new"]}`, string(wf.Steps[1].Config))
	assert.Nil(t, wf.Steps[0].Config)
}

func TestDecodeFixturesListAndStream(t *testing.T) {
	wfs, err := decodeFixtures(strings.NewReader(`
workflows:
  - id: a
    name: A
    trigger_type: LEAD_CREATED
    is_active: false
  - id: b
    name: B
    trigger_type: DEAL_CREATED
---
id: c
name: C
trigger_type: TAG_ADDED
steps:
  - id: s2
    type: TRIGGER
    position: 5
  - id: s1
    type: DELAY
    position: 2
    parent_id: s2
    config:
      delay: 1
      unit: hours
`))
	require.NoError(t, err)
	require.Len(t, wfs, 3)

	assert.Equal(t, "a", wfs[0].ID)
	assert.False(t, wfs[0].IsActive)
	assert.Equal(t, "b", wfs[1].ID)
	assert.Equal(t, "c", wfs[2].ID)
	assert.Equal(t, 5, wfs[2].Steps[0].Position, "explicit positions kept")
	assert.Equal(t, 2, wfs[2].Steps[1].Position)
}

func TestDecodeFixturesInvalidYAML(t *testing.T) {
	_, err := decodeFixtures(strings.NewReader("steps: [unclosed"))
	assert.Error(t, err)
}

func TestDecodeFixturesEmpty(t *testing.T) {
	wfs, err := decodeFixtures(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, wfs)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
