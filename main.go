package main

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/GuilhermeP96/adb-toolkit/agent"
	"github.com/GuilhermeP96/adb-toolkit/config"
	"github.com/GuilhermeP96/adb-toolkit/crypto"
	"github.com/GuilhermeP96/adb-toolkit/pairing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "adb-agent",
		Short:         "On-device agent for the ADB toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newTokenCommand())
	root.AddCommand(newIdentityCommand())
	return root
}

func newServeCommand() *cobra.Command {
	var (
		httpPort     int
		transferPort int
		sandboxRoot  string
		noDiscovery  bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent services until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)

			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if httpPort > 0 {
				cfg.HTTPPort = httpPort
			}
			if transferPort > 0 {
				cfg.TransferPort = transferPort
			}
			if sandboxRoot != "" {
				cfg.SandboxRoot = sandboxRoot
			}

			a, err := agent.New(cfg, agent.Options{
				Logger:           logger,
				DisableDiscovery: noDiscovery,
			})
			if err != nil {
				return err
			}

			if err := a.Start(); err != nil {
				return err
			}
			defer a.Stop()

			fmt.Printf("Device ID:      %s\n", a.Store().DeviceID())
			fmt.Printf("Device Label:   %s\n", cfg.DeviceLabel)
			fmt.Printf("HTTP Port:      %d\n", cfg.HTTPPort)
			fmt.Printf("Transfer Port:  %d\n", cfg.TransferPort)
			fmt.Printf("Fingerprint:    %s\n", crypto.Fingerprint(a.Store().LocalPublicKey()))
			fmt.Printf("Config File:    %s\n", cfgPath)
			fmt.Println("Status:         running (press Ctrl+C to stop)")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			fmt.Println("Status:         shutting down")
			return nil
		},
	}

	cmd.Flags().IntVar(&httpPort, "http-port", 0, "override the JSON API port")
	cmd.Flags().IntVar(&transferPort, "transfer-port", 0, "override the bulk transfer port")
	cmd.Flags().StringVar(&sandboxRoot, "sandbox", "", "restrict file operations to this root")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "disable mDNS advertisement and scanning")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the controller auth token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			token, err := config.EnsureToken(cfg.TokenPath)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate and persist a new token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			token := uuid.NewString()
			if err := config.SaveToken(cfg.TokenPath, token); err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	})

	return cmd
}

func newIdentityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the device identity and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return err
			}
			store, err := pairing.Open(cfg.PairingPath, cfg.DeviceID, nil)
			if err != nil {
				return err
			}

			publicKey := store.LocalPublicKey()
			fmt.Printf("Device ID:    %s\n", store.DeviceID())
			fmt.Printf("Fingerprint:  %s\n", crypto.Fingerprint(publicKey))
			fmt.Printf("Public Key:   %s\n", base64.StdEncoding.EncodeToString(publicKey))
			fmt.Printf("Paired Peers: %d\n", store.Count())
			return nil
		},
	}
}
