package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/audiolibrelab/micbooth/internal/capture"
	"github.com/audiolibrelab/micbooth/internal/config"

	"github.com/spf13/cobra"
)

var capsCmd = &cobra.Command{
	Use:   "caps [user-agent]",
	Short: "Show the encoding negotiation for a browser",
	Long: `Parse a user agent string, run encoding negotiation against the
loopback capture backend and print the resulting candidate list.

Without an argument the negotiation is run for an unknown browser,
which only considers the global fallback list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefs := caps.DefaultPreferences()
		if cfgFile != "" {
			loaded, err := config.LoadWithProfile(cfgFile, profile)
			if err != nil {
				slog.Warn("Could not load configuration, using built-in preferences", "error", err)
			} else {
				prefs = loaded.Encodings
			}
		}

		userAgent := ""
		if len(args) == 1 {
			userAgent = args[0]
		}

		return printNegotiation(userAgent, prefs)
	},
}

func printNegotiation(userAgent string, prefs caps.Preferences) error {
	browserProfile := caps.ParseProfile(userAgent)
	backend := capture.NewLoopback()

	fmt.Printf("🎤 Browser Profile\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("  Family:  %s\n", browserProfile.Family)
	if browserProfile.Version > 0 {
		fmt.Printf("  Version: %d\n", browserProfile.Version)
	}
	fmt.Printf("  Mobile:  %v\n\n", browserProfile.Mobile)

	result, err := caps.Negotiate(browserProfile, prefs, backend.Supports)
	if err != nil {
		return fmt.Errorf("negotiation failed: %w", err)
	}

	fmt.Printf("📋 NEGOTIATED ENCODINGS (%d found):\n", len(result.Candidates))
	for i, candidate := range result.Candidates {
		marker := " "
		if candidate == result.Primary {
			marker = "*"
		}
		fmt.Printf("  %s %d. %s\n", marker, i+1, candidate)
	}

	fmt.Printf("\n💡 The primary encoding (*) is tried first when capture starts.\n")
	fmt.Printf("   The remaining candidates are fallbacks, in order.\n\n")

	return nil
}
