package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/micbooth/internal/device"
	"github.com/audiolibrelab/micbooth/internal/service"
	"github.com/audiolibrelab/micbooth/internal/session"

	"github.com/spf13/cobra"
)

var (
	simulateDuration      time.Duration
	simulateDenyDevice    bool
	simulateRejectPrimary bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a scripted recording session against the loopback backend",
	Long: `Drive a full recording session without a browser: start a recording,
let the loopback backend produce synthetic audio chunks for the given
duration, then stop and finalize.

Use --deny-device or --reject-primary to script failure paths and watch
how the session recovers (or fails) through its state transitions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("Simulate command started", "duration", simulateDuration)

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if simulateDenyDevice {
			svc.Backend().DenyAcquire = device.ErrPermissionDenied
			slog.Info("Loopback backend scripted to deny device acquisition")
		}
		if simulateRejectPrimary {
			primary := svc.Negotiation().Primary
			svc.Backend().RejectEncodings = map[string]bool{primary: true}
			slog.Info("Loopback backend scripted to reject primary encoding", "encoding", primary)
		}

		unsubscribe := svc.Subscribe(func(snap session.Snapshot) {
			slog.Info("Session transition",
				"state", snap.State,
				"message", snap.Message,
				"severity", snap.Severity,
				"retries", snap.Retries)
		})
		defer unsubscribe()

		if err := svc.StartRecording(context.Background()); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		// Handle interruption
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		slog.Info("Recording... Press Ctrl+C to stop early")
		select {
		case <-time.After(simulateDuration):
		case <-sigChan:
			slog.Info("Interrupted")
		}

		svc.StopRecording()

		if err := waitForTerminalState(svc, 10*time.Second); err != nil {
			return err
		}

		return reportOutcome(svc)
	},
}

// waitForTerminalState polls until the session settles in Idle, Ready or
// Failed, or the deadline passes.
func waitForTerminalState(svc service.Service, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch svc.Status().State {
		case session.StateIdle, session.StateReady, session.StateFailed:
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("session did not settle within %s (state %s)", timeout, svc.Status().State)
}

func reportOutcome(svc service.Service) error {
	snap := svc.Status()

	fmt.Printf("\n🎤 Session Result\n")
	fmt.Printf("═══════════════════════════════════════\n")
	fmt.Printf("  State:   %s\n", snap.State)
	fmt.Printf("  Message: %s\n", snap.Message)

	if snap.State == session.StateFailed {
		if lastErr := svc.GetLastError(); lastErr != "" {
			fmt.Printf("  Error:   %s\n", lastErr)
		}
		return fmt.Errorf("session failed: %s", snap.Message)
	}

	if info, ok := svc.CurrentArtifact(); ok {
		fmt.Printf("\n📋 Artifact:\n")
		fmt.Printf("  File:     %s\n", info.Filename)
		fmt.Printf("  Encoding: %s\n", info.Encoding)
		fmt.Printf("  Size:     %d bytes\n", info.Size)
		fmt.Printf("  Saved to: %s\n\n", svc.RecordingsDir())
	}

	return nil
}

func init() {
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 2*time.Second, "how long to keep the capture stream open")
	simulateCmd.Flags().BoolVar(&simulateDenyDevice, "deny-device", false, "script the backend to refuse the microphone")
	simulateCmd.Flags().BoolVar(&simulateRejectPrimary, "reject-primary", false, "script the backend to reject the primary encoding")
}
