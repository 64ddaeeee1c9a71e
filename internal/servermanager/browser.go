package servermanager

import (
	"os/exec"
	"runtime"

	"github.com/localmcp/gateway/internal/log"
)

// openBrowser opens url in the platform default browser. Grounded on the
// teacher's OpenBrowser helper in cmd/docker-mcp/internal/oauth/pkce.go.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Warnf("servermanager: failed to open browser for %s: %v", url, err)
	}
}
