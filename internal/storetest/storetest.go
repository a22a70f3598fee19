// Package storetest provides a migrated, throwaway libSQL store for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// New opens a fresh store in a temp dir, migrates it and closes it on cleanup.
func New(t testing.TB) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SeedWorkflow persists wf and returns it.
func SeedWorkflow(t testing.TB, s store.Store, wf *schema.Workflow) *schema.Workflow {
	t.Helper()
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

// SeedRecord inserts a CRM record and returns its id.
func SeedRecord(t testing.TB, s store.Store, table string, data map[string]any) string {
	t.Helper()
	r, err := s.Insert(context.Background(), table, data)
	require.NoError(t, err)
	return r.ID
}
