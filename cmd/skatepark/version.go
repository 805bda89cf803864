package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fentz26/skatepark/internal/controlplane"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the skatepark version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("skatepark %s (%s/%s)\n", controlplane.Version, runtime.GOOS, runtime.GOARCH)
	},
}
