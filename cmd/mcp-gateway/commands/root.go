package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/localmcp/gateway/internal/config"
)

const helpTemplate = `MCP Gateway CLI - multiplex local MCP servers behind one endpoint.
{{if .UseLine}}
Usage: {{.UseLine}}
{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableSubCommands}}
Available Commands:
{{range .Commands}}{{if (or .IsAvailableCommand)}}  {{rpad .Name .NamePadding }} {{.Short}}
{{end}}{{end}}{{end}}
`

// Root returns the root command. ctx is the process lifetime context; it
// is attached to every invocation via PersistentPreRunE, the same chaining
// style the teacher's Root() constructor uses.
func Root(ctx context.Context) *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:              "mcp-gateway [OPTIONS]",
		Short:            "Multiplex local MCP servers behind one endpoint",
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SetContext(ctx)
			return nil
		},
	}
	cmd.SetHelpTemplate(helpTemplate)

	config.Register(cmd.PersistentFlags(), &cfg)

	cmd.AddCommand(serveCommand(&cfg))
	cmd.AddCommand(spaceCommand(&cfg))
	cmd.AddCommand(serverCommand(&cfg))
	cmd.AddCommand(oauthCommand(&cfg))

	return cmd
}
