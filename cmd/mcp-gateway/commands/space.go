package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/localmcp/gateway/internal/domain"
)

func spaceCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Manage spaces",
	}
	cmd.AddCommand(spaceListCommand(cfg))
	cmd.AddCommand(spaceCreateCommand(cfg))
	cmd.AddCommand(spaceActivateCommand(cfg))
	return cmd
}

func spaceListCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List spaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			spaces, err := app.DB.Spaces().List(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range spaces {
				marker := " "
				if s.Active {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\n", marker, s.ID, s.Name)
			}
			return nil
		},
	}
}

func spaceCreateCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			sp := domain.Space{ID: uuid.NewString(), Name: args[0], CreatedAt: time.Now().UTC()}
			if err := app.DB.Spaces().Create(cmd.Context(), sp); err != nil {
				return err
			}
			if err := app.Features.EnsureBuiltinForSpace(cmd.Context(), sp.ID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sp.ID)
			return nil
		},
	}
}

func spaceActivateCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "activate SPACE_ID",
		Short: "Make a space the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.DB.Spaces().SetActive(cmd.Context(), args[0])
		},
	}
}
