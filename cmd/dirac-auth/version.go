package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf(`dirac-auth Version: %s
Go Version: %s
Go OS/ARCH: %s %s
`, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
