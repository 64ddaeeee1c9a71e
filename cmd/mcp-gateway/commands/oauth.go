package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localmcp/gateway/internal/domain"
)

func oauthCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Manage outbound OAuth authorization for installed servers",
	}
	cmd.AddCommand(oauthConnectCommand(cfg))
	cmd.AddCommand(oauthCancelCommand(cfg))
	return cmd
}

func oauthConnectCommand(cfg *Config) *cobra.Command {
	var spaceID string
	cmd := &cobra.Command{
		Use:   "connect SERVER_ID",
		Short: "Start (or resume) the authorization flow for a server",
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

			serverID := args[0]
			installed, err := app.DB.Servers().Get(cmd.Context(), spaceID, serverID)
			if err != nil {
				return err
			}
			if installed.Definition.Transport.Kind != domain.TransportHTTP {
				return fmt.Errorf("oauth: %s is not an http server", serverID)
			}

			result, err := app.OAuthOut.StartFlow(cmd.Context(), spaceID, serverID, installed.Definition.Transport.URL)
			if err != nil {
				return err
			}
			if result.AlreadyAuthorized {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already authorized\n", serverID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "open this URL to authorize %s:\n%s\n", serverID, result.AuthURL)
			return nil
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space the server belongs to (defaults to the active space)")
	return cmd
}

func oauthCancelCommand(cfg *Config) *cobra.Command {
	var spaceID string
	cmd := &cobra.Command{
		Use:   "cancel SERVER_ID",
		Short: "Cancel an in-progress authorization flow",
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
			app.OAuthOut.CancelFlow(spaceID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&spaceID, "space", "", "space the server belongs to (defaults to the active space)")
	return cmd
}
