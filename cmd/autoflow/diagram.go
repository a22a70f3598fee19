package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/pkg/schema"
)

func newDiagramCmd(c *cli) *cobra.Command {
	var workflowID, executionID string

	cmd := &cobra.Command{
		Use:   "diagram [FILE]",
		Short: "Print a workflow as a Mermaid flowchart",
		Long: `Print a workflow as a Mermaid flowchart. The workflow comes from a YAML
fixture file, or from the database with --workflow. --execution overlays the
progress of one execution and implies its workflow.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				workflows []*schema.Workflow
				exec      *schema.Execution
			)

			switch {
			case len(args) == 1:
				wfs, err := readFixtureFile(args[0])
				if err != nil {
					return err
				}
				workflows = wfs
			case workflowID != "" || executionID != "":
				s, err := openStore(cmd.Context(), c.cfg.DBPath)
				if err != nil {
					return err
				}
				defer s.Close()

				if executionID != "" {
					if exec, err = s.GetExecution(cmd.Context(), executionID); err != nil {
						return err
					}
					if workflowID == "" {
						workflowID = exec.WorkflowID
					}
				}
				wf, err := s.GetWorkflow(cmd.Context(), workflowID)
				if err != nil {
					return err
				}
				workflows = []*schema.Workflow{wf}
			default:
				return errors.New("a fixture file, --workflow or --execution is required")
			}

			for _, wf := range workflows {
				model, err := diagram.Build(wf, exec)
				if err != nil {
					return fmt.Errorf("workflow %q: %w", wf.Name, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id to draw from the database")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id whose progress is overlaid")
	return cmd
}
