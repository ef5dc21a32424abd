package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// AppName is the binary and configuration directory name.
const AppName = "imagewatch"

var rootCmd = &cobra.Command{
	Use:   AppName,
	Short: "imagewatch pushes changes of an image directory to browsers",
	Long: `imagewatch watches a directory tree for image files and streams every
addition and removal to authenticated websocket clients.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
}
