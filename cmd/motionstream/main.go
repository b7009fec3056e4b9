// Command motionstream runs the motion-streaming server: the serve
// subcommand is the parent process (API, session manager, metrics);
// the hidden engine subcommand is the self-exec'd per-session engine
// process. Grounded on ehrlich-b-wingthing's cmd/wt
// tree, the only repo in the pack built entirely around spf13/cobra.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "motionstream",
		Short: "Real-time skeletal-animation streaming server",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(engineCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("motionstream %s (commit %s, built %s)\n", version, gitCommit, buildTime)
			return nil
		},
	}
}
