package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "websocket relay for marketplace data feeds",
	Long: `Relay connects clients to live data feeds over websocket. Clients
subscribe to feeds by id; the relay maintains at most one upstream
connection per feed and fans incoming data out to every subscriber. An
optional LLM bridge answers questions about recent feed data over the
same connection.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
