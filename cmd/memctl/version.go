package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set by -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type versionInfo struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Built    string `json:"built"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

func currentVersion() versionInfo {
	return versionInfo{
		Version:  version,
		Commit:   commit,
		Built:    date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := currentVersion()
		w := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(w, v)
		}
		fmt.Fprintf(w, "memctl %s (%s, %s)\n", v.Version, v.Go, v.Platform)
		printVerbose(w, "  commit: %s\n  built:  %s\n", v.Commit, v.Built)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
