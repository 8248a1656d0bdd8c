package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "apppoold",
	Short:   "apppoold - an application-server worker process pool",
	Long:    `apppoold spawns, routes requests to, and recycles a pool of application worker processes, the way Phusion Passenger's ApplicationPool2 manages Ruby/Python/Node workers behind Apache and Nginx.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)

	serveCmd.Flags().String("config", "", "path to a YAML config file (APPPOOL_* env vars also apply)")
	serveCmd.Flags().String("listen", ":8000", "address the front-facing HTTP handler listens on")
	serveCmd.Flags().String("admin-listen", "", "address the admin/metrics HTTP server listens on — host:port, or unix:<path> for a permission-locked Unix socket (empty disables it)")
	serveCmd.Flags().String("app-group", "default", "app group name routed to by every request")

	adminCmd.PersistentFlags().String("admin-addr", "http://127.0.0.1:9090", "address of a running apppoold's admin server")
	adminCmd.AddCommand(adminStatusCmd)
	adminCmd.AddCommand(adminSetMaxCmd)
	adminCmd.AddCommand(adminDetachCmd)
	adminSetMaxCmd.Flags().Int("max", 0, "new pool capacity ceiling")
	adminDetachCmd.Flags().String("gupid", "", "gupid of the process to detach")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
