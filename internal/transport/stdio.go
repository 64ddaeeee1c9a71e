package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/shlex"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/localmcp/gateway/internal/domain"
)

// connectStdio launches def.Transport.Command as a subprocess and speaks
// MCP over its stdin/stdout. Command strings are tokenized with
// google/shlex (not strings.Fields) so quoted arguments in hand-edited
// configs survive, matching the teacher's stdio launch path.
func connectStdio(ctx context.Context, def domain.ServerDefinition) Outcome {
	args := def.Transport.Args
	command := def.Transport.Command

	if len(args) == 0 && command != "" {
		tokens, err := shlex.Split(command)
		if err != nil {
			return Outcome{Err: fmt.Errorf("transport: parsing stdio command %q: %w", command, err)}
		}
		if len(tokens) == 0 {
			return Outcome{Err: fmt.Errorf("transport: empty stdio command")}
		}
		command, args = tokens[0], tokens[1:]
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = expandEnvList(def.Transport.Env)

	session, err := client().Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return Outcome{Err: fmt.Errorf("transport: stdio connect to %q: %w", command, err)}
	}
	return Outcome{Client: session}
}

// expandEnvList merges the process environment with def-provided overrides,
// expanding ${VAR} references in each override value against the process
// environment, mirroring the teacher's expandEnv/expandEnvList helpers.
// ${input:ID} placeholders are not resolved from stored inputs; they expand
// to the environment variable of that literal name, normally empty.
func expandEnvList(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, os.Expand(v, os.Getenv)))
	}
	return merged
}
