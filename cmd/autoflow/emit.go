package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/router"
)

func newEmitCmd(c *cli) *cobra.Command {
	var (
		data    router.EventData
		payload string
	)

	cmd := &cobra.Command{
		Use:   "emit EVENT_TYPE",
		Short: "Route one CRM event and print the routing result",
		Example: `  autoflow emit lead.created --entity-type lead --entity-id 42
  autoflow emit DEAL_STAGE_CHANGED --entity-id d-7 --payload '{"stage":"won"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &data.Payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}

			s, err := openStore(cmd.Context(), c.cfg.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			res := router.New(s, c.logger, nil).RouteEvent(cmd.Context(), args[0], data)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&data.EntityType, "entity-type", "", "type of the entity the event concerns")
	f.StringVar(&data.EntityID, "entity-id", "", "id of the entity the event concerns")
	f.StringVar(&payload, "payload", "", "event payload as a JSON object")
	return cmd
}
