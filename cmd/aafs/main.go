// Command aafs runs and administers the aftershock forecast server.
package main

import (
	"context"
	"os"

	"github.com/opensha/aafs/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
