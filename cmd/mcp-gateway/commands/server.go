package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localmcp/gateway/internal/config"
	"github.com/localmcp/gateway/internal/domain"
)

func serverCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage installed servers",
	}
	cmd.AddCommand(serverInstallCommand(cfg))
	cmd.AddCommand(serverListCommand(cfg))
	cmd.AddCommand(serverEnableCommand(cfg, true))
	cmd.AddCommand(serverEnableCommand(cfg, false))
	cmd.AddCommand(serverUninstallCommand(cfg))
	return cmd
}

// serverInstallCommand installs every entry of the space file (or a single
// one named by id) into the given space, generalizing the teacher's
// catalog-entry install path to this spec's per-space install model.
func serverInstallCommand(cfg *Config) *cobra.Command {
	var spaceID, only string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install servers from the mcpServers space file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if spaceID == "" {
				sp, err := EnsureDefaultSpace(app)
				if err != nil {
					return err
				}
				spaceID = sp.ID
			}

			sf, err := config.LoadSpaceFile(cfg.SpaceFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			for id, entry := range sf.Servers {
				if only != "" && only != id {
					continue
				}
				alias := entry.Alias
				if alias == "" {
					alias = id
				}
				installed := domain.InstalledServer{
					SpaceID: spaceID, ServerID: id, Definition: entry.ToDefinition(),
					Inputs: map[string]string{}, Enabled: true, Alias: alias,
					CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
				}
				if err := app.DB.Servers().Install(ctx, installed); err != nil {
					return fmt.Errorf("installing %s: %w", id, err)
				}
				if err := app.Features.EnsureServerAll(ctx, spaceID, id); err != nil {
					return fmt.Errorf("installing %s: %w", id, err)
				}
				for _, in := range entry.DiscoverInputs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s requires input %q\n", id, in.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s as %s\n", id, alias)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space to install into (defaults to the active space)")
	cmd.Flags().StringVar(&only, "only", "", "install only this server id from the space file")
	return cmd
}

func serverListCommand(cfg *Config) *cobra.Command {
	var spaceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed servers in a space",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if spaceID == "" {
				sp, err := EnsureDefaultSpace(app)
				if err != nil {
					return err
				}
				spaceID = sp.ID
			}

			servers, err := app.DB.Servers().List(cmd.Context(), spaceID)
			if err != nil {
				return err
			}
			for _, s := range servers {
				status := "disabled"
				if s.Enabled {
					status = "enabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.ServerID, s.Alias, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space to list (defaults to the active space)")
	return cmd
}

func serverEnableCommand(cfg *Config, enable bool) *cobra.Command {
	use, short := "enable SERVER_ID", "Enable an installed server"
	if !enable {
		use, short = "disable SERVER_ID", "Disable an installed server"
	}
	var spaceID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if spaceID == "" {
				sp, err := EnsureDefaultSpace(app)
				if err != nil {
					return err
				}
				spaceID = sp.ID
			}
			return app.DB.Servers().SetEnabled(cmd.Context(), spaceID, args[0], enable)
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space the server belongs to (defaults to the active space)")
	return cmd
}

func serverUninstallCommand(cfg *Config) *cobra.Command {
	var spaceID string
	cmd := &cobra.Command{
		Use:   "uninstall SERVER_ID",
		Short: "Remove an installed server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := Build(*cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if spaceID == "" {
				sp, err := EnsureDefaultSpace(app)
				if err != nil {
					return err
				}
				spaceID = sp.ID
			}
			app.Pool.RemoveInstance(spaceID, args[0])
			return app.DB.Servers().Uninstall(cmd.Context(), spaceID, args[0])
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space the server belongs to (defaults to the active space)")
	return cmd
}
