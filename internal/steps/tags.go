package steps

import (
	"context"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

const (
	tagsField       = "tags"
	maxWriteRetries = 3
)

// ReasonNoEntity is the failure reported when the trigger entity is missing.
const ReasonNoEntity = "trigger entity not found"

// TagExecutor adds and removes tags on the trigger entity with set semantics.
// The write is conditional on the version read; a concurrent change causes a
// re-read and another attempt.
type TagExecutor struct {
	records store.RecordStore
}

func NewTagExecutor(records store.RecordStore) *TagExecutor {
	return &TagExecutor{records: records}
}

func (e *TagExecutor) Type() schema.StepType { return schema.StepTypeTagAssignment }

func (e *TagExecutor) Execute(ctx context.Context, in Input) (*Outcome, error) {
	cfg, ok := in.Config.(*schema.TagAssignmentConfig)
	if !ok {
		return nil, wrongConfig(in, schema.StepTypeTagAssignment)
	}

	var lastErr error
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		rec, err := loadEntity(ctx, e.records, in.Execution)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return Failed(ReasonNoEntity, nil), nil
		}

		current := tagList(rec.Data[tagsField])
		next, added, removed := applyTags(current, cfg.TagsToAdd, cfg.TagsToRemove)
		data := map[string]any{
			"tags":    next,
			"added":   added,
			"removed": removed,
			"changed": len(added)+len(removed) > 0,
		}
		if len(added)+len(removed) == 0 {
			return Succeeded(data), nil
		}

		_, err = e.records.Update(ctx, rec.Table, rec.ID, map[string]any{tagsField: next}, rec.Version)
		if err == nil {
			return Succeeded(data), nil
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "write tags: %s", err.Error()).WithStep(stepID(in)).WithCause(err)
		}
		lastErr = err
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "tags changed concurrently %d times", maxWriteRetries).
		WithStep(stepID(in)).WithCause(lastErr)
}

// tagList reads a tag field stored as a list or a comma-separated string.
func tagList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		var out []string
		for _, s := range cast.ToStringSlice(v) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
}

// applyTags returns current with add appended and remove dropped, preserving
// order and collapsing duplicates. added and removed report the effective
// changes only.
func applyTags(current, add, remove []string) (next, added, removed []string) {
	drop := make(map[string]bool, len(remove))
	for _, t := range remove {
		drop[strings.TrimSpace(t)] = true
	}

	seen := make(map[string]bool, len(current)+len(add))
	next = []string{}
	for _, t := range current {
		if seen[t] {
			continue
		}
		seen[t] = true
		if drop[t] {
			removed = append(removed, t)
			continue
		}
		next = append(next, t)
	}
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] || drop[t] {
			continue
		}
		seen[t] = true
		next = append(next, t)
		added = append(added, t)
	}
	return next, added, removed
}
