package server

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/conneroisu/assetpipe/internal/logging"
)

// browserCommand returns the command that opens target in the default
// browser on goos.
func browserCommand(goos, target string) (string, []string, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, fmt.Errorf("refusing to open %q", target)
	}

	switch goos {
	case "linux", "freebsd", "openbsd":
		return "xdg-open", []string{u.String()}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", u.String()}, nil
	case "darwin":
		return "open", []string{u.String()}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform %s", goos)
	}
}

func openBrowser(ctx context.Context, target string, logger logging.Logger) {
	time.Sleep(100 * time.Millisecond) // Give server time to start

	name, args, err := browserCommand(runtime.GOOS, target)
	if err == nil {
		err = exec.Command(name, args...).Start()
	}
	if err != nil {
		logger.Warn(ctx, err, "failed to open browser")
	}
}
