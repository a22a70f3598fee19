package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

func newImportCmd(c *cli) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Validate and store workflow definitions from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cel, err := expressions.NewCELEngine()
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(cel)
			if err != nil {
				return err
			}

			var workflows []*schema.Workflow
			for _, path := range args {
				wfs, err := readFixtureFile(path)
				if err != nil {
					return err
				}
				workflows = append(workflows, wfs...)
			}
			if err := validateAll(v, workflows); err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d workflow(s) valid\n", len(workflows))
				return nil
			}

			s, err := openStore(cmd.Context(), c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			return importWorkflows(cmd.Context(), s, workflows, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func readFixtureFile(path string) ([]*schema.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wfs, err := decodeFixtures(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wfs, nil
}

// validateAll checks every workflow before any is written.
func validateAll(v validation.Validator, workflows []*schema.Workflow) error {
	for _, wf := range workflows {
		if err := v.ValidateWorkflow(wf); err != nil {
			return fmt.Errorf("workflow %q: %w", wf.Name, err)
		}
	}
	return nil
}

func importWorkflows(ctx context.Context, s store.Store, workflows []*schema.Workflow, out io.Writer) error {
	for _, wf := range workflows {
		if err := s.CreateWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("store workflow %q: %w", wf.Name, err)
		}
		fmt.Fprintf(out, "imported %s (%s, %d steps)\n", wf.ID, wf.Name, len(wf.Steps))
	}
	return nil
}
