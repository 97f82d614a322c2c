// thumblink - freedesktop thumbnail service client
//
// Queues files with a Thumbnailer1 service (tumblerd and compatible daemons)
// over D-Bus, tracks the requests until the service reports them finished,
// and can watch directories to thumbnail new files as they appear.
//
// Build with: go build -ldflags "-X github.com/rescale/thumblink/internal/version.Version=..."
package main

import (
	"os"

	"github.com/rescale/thumblink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
