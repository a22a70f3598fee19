package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/pkg/schema"
)

// fixtureDoc is one YAML document: either a single workflow or a
// `workflows:` list.
type fixtureDoc struct {
	Workflows       []fixtureWorkflow `yaml:"workflows"`
	fixtureWorkflow `yaml:",inline"`
}

type fixtureWorkflow struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	TriggerType   schema.TriggerType    `yaml:"trigger_type"`
	TriggerConfig *schema.TriggerConfig `yaml:"trigger_config"`
	IsActive      *bool                 `yaml:"is_active"`
	IsPaused      bool                  `yaml:"is_paused"`
	Retry         *schema.RetryPolicy   `yaml:"retry"`
	Steps         []fixtureStep         `yaml:"steps"`
}

// fixtureStep carries the step config as a YAML mapping; it is stored as JSON.
type fixtureStep struct {
	schema.Step `yaml:",inline"`
	Config      map[string]any `yaml:"config"`
}

func (d *fixtureDoc) empty() bool {
	return d.Name == "" && d.ID == "" && len(d.Steps) == 0
}

// decodeFixtures reads every workflow from a YAML stream of one or more
// documents.
func decodeFixtures(r io.Reader) ([]*schema.Workflow, error) {
	dec := yaml.NewDecoder(r)
	var out []*schema.Workflow
	for i := 0; ; i++ {
		var doc fixtureDoc
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		items := doc.Workflows
		if !doc.empty() {
			items = append(items, doc.fixtureWorkflow)
		}
		for j := range items {
			wf, err := items[j].toWorkflow()
			if err != nil {
				return nil, fmt.Errorf("document %d workflow %q: %w", i, items[j].Name, err)
			}
			out = append(out, wf)
		}
	}
}

// toWorkflow fills defaults: a generated id, active unless stated and step
// positions from list order when none are given.
func (f fixtureWorkflow) toWorkflow() (*schema.Workflow, error) {
	wf := &schema.Workflow{
		ID:            f.ID,
		Name:          f.Name,
		TriggerType:   f.TriggerType,
		TriggerConfig: f.TriggerConfig,
		IsActive:      f.IsActive == nil || *f.IsActive,
		IsPaused:      f.IsPaused,
		Retry:         f.Retry,
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	positioned := false
	for _, s := range f.Steps {
		if s.Position != 0 {
			positioned = true
			break
		}
	}

	wf.Steps = make([]schema.Step, 0, len(f.Steps))
	for i, fs := range f.Steps {
		step := fs.Step
		step.WorkflowID = wf.ID
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		if !positioned {
			step.Position = i
		}
		if fs.Config != nil {
			raw, err := json.Marshal(fs.Config)
			if err != nil {
				return nil, fmt.Errorf("step %s config: %w", step.ID, err)
			}
			step.Config = raw
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}
