package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/micbooth/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server hosting the recording widget",
	Long: `Start the MicBooth web server. It serves the recording widget UI,
the session control API and a live status feed over a websocket.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		// Handle config file path - use default if not specified
		configPath := cfgFile
		if configPath == "" {
			defaultPath := os.ExpandEnv("$HOME/.config/micbooth.yaml")
			if _, err := os.Stat(defaultPath); err == nil {
				configPath = defaultPath
			}
		}

		// Create and start the web server
		srv, err := server.New(configPath, port)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("MicBooth web server starting", "port", port, "config", configPath)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
