package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sageadvisory/voice-sdk-go/pkg/voice"
)

var (
	verbose        bool
	endpoint       string
	conversationID string
	profileName    string
	voiceName      string
)

func main() {
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "sagevoice",
		Short: "Sage Voice SDK CLI",
		Long:  "A command-line interface for real-time voice sessions with the Sage advisory backend",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "WebSocket endpoint URL")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		voice.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run a live voice session",
		Long:  "Open the microphone, connect to the voice backend, and talk until interrupted with Ctrl-C",
		Run: func(cmd *cobra.Command, args []string) {
			config := buildConfig()
			if issues := config.Validate(); len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintln(os.Stderr, "config:", issue)
				}
				os.Exit(1)
			}

			session := voice.NewController(config)
			session.OnTranscript = func(text string, isFinal bool, role voice.Role) {
				if isFinal {
					fmt.Printf("[%s] %s\n", role, text)
				} else if verbose {
					fmt.Printf("  ... %s\n", text)
				}
			}
			session.OnTurnEnd = func(user, assistant string) {
				if verbose {
					fmt.Println("-- turn complete --")
				}
			}
			session.OnError = func(message string) {
				fmt.Fprintln(os.Stderr, "session error:", message)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := &voice.SessionOptions{ConversationID: conversationID}
			if profileName != "" || voiceName != "" {
				opts.Profile = &voice.Profile{Name: profileName, PreferredVoice: voiceName}
			}

			if err := session.StartSession(ctx, opts); err != nil {
				voice.GetGlobalLogger().WithError(err).Fatal("Session start failed")
			}
			fmt.Println("Session started. Speak into the microphone; Ctrl-C to end.")

			<-ctx.Done()

			session.EndSession()
			printSessionSummary(session)
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "Attach to an existing conversation")
	cmd.Flags().StringVar(&profileName, "name", "", "Client name for the advisory profile")
	cmd.Flags().StringVar(&voiceName, "voice", "", "Preferred agent voice")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Run: func(cmd *cobra.Command, args []string) {
			devices, err := voice.ListAudioDevices()
			if err != nil {
				voice.GetGlobalLogger().WithError(err).Fatal("Device enumeration failed")
			}

			fmt.Printf("Found %d audio devices:\n\n", len(devices))
			for _, d := range devices {
				marker := "  "
				if d.DefaultInput {
					marker = "* "
				}
				fmt.Printf("%s[%d] %s (%s)\n", marker, d.ID, d.Name, d.HostAPI)
				fmt.Printf("    in: %d  out: %d  rate: %.0f Hz\n", d.InputChannels, d.OutputChannels, d.SampleRate)
			}
			fmt.Println("\n* = default input device")
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check configuration and audio setup",
		Run: func(cmd *cobra.Command, args []string) {
			config := buildConfig()
			config.PrintConfig()
			fmt.Println()

			failed := false
			if issues := config.Validate(); len(issues) > 0 {
				failed = true
				fmt.Println("Configuration issues:")
				for _, issue := range issues {
					fmt.Println("  -", issue)
				}
			} else {
				fmt.Println("Configuration: OK")
			}

			devices, err := voice.ListAudioDevices()
			if err != nil {
				failed = true
				fmt.Println("Audio host: FAILED:", err)
			} else {
				inputs := 0
				for _, d := range devices {
					if d.InputChannels > 0 {
						inputs++
					}
				}
				if inputs == 0 {
					failed = true
					fmt.Println("Audio host: no input devices found")
				} else {
					fmt.Printf("Audio host: OK (%d input devices)\n", inputs)
				}
			}

			if failed {
				os.Exit(1)
			}
		},
	}
}

func buildConfig() *voice.Config {
	config := voice.NewConfig()
	if endpoint != "" {
		config.Endpoint = endpoint
	}
	if verbose {
		config.LogLevel = "debug"
		config.DebugTransport = true
	}
	return config
}

func printSessionSummary(session *voice.Controller) {
	snap := session.Stats().Snapshot()
	fmt.Println("\nSession summary")
	fmt.Println("==============================")
	fmt.Printf("Duration:        %s\n", snap.Duration.Round(time.Second))
	fmt.Printf("Turns:           %d\n", snap.Turns)
	fmt.Printf("Frames sent:     %d (%d bytes)\n", snap.FramesSent, snap.BytesSent)
	fmt.Printf("Chunks received: %d (%d bytes)\n", snap.ChunksReceived, snap.BytesReceived)
	fmt.Printf("Avg loudness:    %.3f (max %.3f)\n", snap.AverageLoudness, snap.MaxLoudness)

	if turns := session.History().Turns(); len(turns) > 0 {
		fmt.Println("\nTranscript")
		for _, turn := range turns {
			if turn.UserTranscript != "" {
				fmt.Printf("  you:   %s\n", turn.UserTranscript)
			}
			if turn.AssistantTranscript != "" {
				fmt.Printf("  agent: %s\n", turn.AssistantTranscript)
			}
		}
	}
}
