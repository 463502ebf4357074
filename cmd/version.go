package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/mcpi/internal/collective"
	"yqhp/mcpi/internal/collective/local"
	"yqhp/mcpi/internal/collective/ws"
)

// versionCmd 是 version 子命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mcpi version %s\n", Version)
		fmt.Fprintf(out, "  collective API: %d.%d\n", collective.APIMajor, collective.APIMinor)
		fmt.Fprintf(out, "  hub protocol:   %d\n", collective.ProtocolVersion)
		fmt.Fprintf(out, "  transports:     %s, %s\n", ws.LibraryVersion, local.LibraryVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
