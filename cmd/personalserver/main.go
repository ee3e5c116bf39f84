package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/FactomProject/go-bip39"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vana-com/personal-server/pkg/agentprovider"
	"github.com/vana-com/personal-server/pkg/artifacts"
	"github.com/vana-com/personal-server/pkg/chain"
	"github.com/vana-com/personal-server/pkg/chainid"
	"github.com/vana-com/personal-server/pkg/config"
	"github.com/vana-com/personal-server/pkg/events"
	"github.com/vana-com/personal-server/pkg/fetch"
	"github.com/vana-com/personal-server/pkg/httpapi"
	"github.com/vana-com/personal-server/pkg/llmprovider"
	"github.com/vana-com/personal-server/pkg/log"
	"github.com/vana-com/personal-server/pkg/metrics"
	"github.com/vana-com/personal-server/pkg/orchestrator"
	"github.com/vana-com/personal-server/pkg/provider"
	"github.com/vana-com/personal-server/pkg/sandbox"
	"github.com/vana-com/personal-server/pkg/taskstore"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "personalserver",
	Short:   "Personal Server - per-user permissioned compute over encrypted private data",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the server configuration file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deriveIdentityCmd)
	rootCmd.AddCommand(newMnemonicCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the personal server's operations and artifacts API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		resolved := cfg.WithDefaults()

		return runServe(cmd.Context(), resolved, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
}

func runServe(ctx context.Context, cfg config.Config, addr string) error {
	gateway, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Addresses{
		Permissions: common.HexToAddress(cfg.Chain.PermissionsContract),
		Grantees:    common.HexToAddress(cfg.Chain.GranteesContract),
		Files:       common.HexToAddress(cfg.Chain.FilesContract),
	})
	if err != nil {
		return err
	}

	fetcher := fetch.New(fetch.Config{
		Gateways:       cfg.Fetch.Gateways,
		AttemptTimeout: cfg.Fetch.AttemptTimeout,
		BackoffBase:    cfg.Fetch.BackoffBase,
		BackoffCap:     cfg.Fetch.BackoffCap,
	})

	deriver, err := chainid.NewDeriver(cfg.Identity.Mnemonic, cfg.Identity.Passphrase)
	if err != nil {
		return err
	}

	tasks := taskstore.New(cfg.Tasks.LogCap)
	broker := events.NewBroker()
	broker.Start()
	tasks.SetBroker(broker)

	go func() {
		ticker := time.NewTicker(cfg.Tasks.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := tasks.Cleanup(cfg.Tasks.CleanupTTL); removed > 0 {
					log.Logger.Debug().Int("removed", removed).Msg("cleaned up terminal operations")
				}
			}
		}
	}()

	var runtime sandbox.Runtime
	switch cfg.Sandbox.Runtime {
	case config.SandboxContainer:
		runtime, err = sandbox.NewContainerRuntime(sandbox.ContainerRuntimeConfig{
			SocketPath:    cfg.Sandbox.ContainerdSocket,
			Image:         cfg.Sandbox.Image,
			MemLimitBytes: cfg.Sandbox.MemoryLimitBytes,
			CPUQuota:      cfg.Sandbox.CPUQuota,
			Timeout:       cfg.Sandbox.Timeout,
			StdoutCap:     cfg.Sandbox.StdoutCapBytes,
			WorkspaceRoot: cfg.Sandbox.WorkspaceRoot,
		})
		if err != nil {
			return err
		}
	default:
		runtime = sandbox.NewProcessRuntime(cfg.Sandbox.WorkspaceRoot, cfg.Sandbox.Timeout, cfg.Sandbox.StdoutCapBytes, cfg.Sandbox.MaxConcurrent)
	}

	var artifactBackend artifacts.Backend
	if cfg.Artifacts.GCSBucket != "" {
		remoteBackend, err := artifacts.NewRemoteBackend(ctx, cfg.Artifacts.GCSBucket)
		if err != nil {
			return err
		}
		artifactBackend = remoteBackend
	} else {
		artifactBackend = artifacts.NewLocalBackend(cfg.Artifacts.LocalPath)
	}
	artifactStore, err := artifacts.New(artifactBackend, cfg.Artifacts.MetadataDBPath, deriver, cfg.Artifacts.ExpiresAfter)
	if err != nil {
		return err
	}

	registry := provider.New()
	remoteClient := llmprovider.NewHTTPClient(cfg.LLM.APIBaseURL, cfg.LLM.APIToken, cfg.Fetch.AttemptTimeout)
	registry.Register("remote-llm", func() provider.Provider {
		return llmprovider.New(remoteClient, cfg.LLM.ModelVersion, cfg.LLM.MaxPromptBytes)
	}, true)
	registry.SetDefault("remote-llm")

	qwen := agentprovider.New(agentprovider.Config{
		Kind: "qwen",
		Cmd:  "qwen",
		Args: []string{"--prompt"},
	}, runtime, tasks, artifactStore)
	registry.Register("agent-qwen", func() provider.Provider { return qwen }, true)

	gemini := agentprovider.New(agentprovider.Config{
		Kind: "gemini",
		Cmd:  "gemini",
		Args: []string{"--prompt"},
	}, runtime, tasks, artifactStore)
	registry.Register("agent-gemini", func() provider.Provider { return gemini }, true)

	orch := orchestrator.New(gateway, fetcher, deriver, registry, cfg.Fetch.MaxFileBytes, cfg.MockAuth)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("chain", true, "")
	metrics.RegisterComponent("sandbox", true, "")
	metrics.RegisterComponent("api", true, "")

	server := httpapi.New(orch, artifactStore, broker)
	log.Logger.Info().Str("addr", addr).Str("commit", Commit).Msg("personal server listening")
	return server.Start(addr)
}

var deriveIdentityCmd = &cobra.Command{
	Use:   "derive-identity <mnemonic-file> <user-address>",
	Short: "Print the server identity derived for a user address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mnemonicBytes, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		deriver, err := chainid.NewDeriver(string(mnemonicBytes), "")
		if err != nil {
			return err
		}
		identity, err := deriver.Derive(args[1])
		if err != nil {
			return err
		}

		fmt.Printf("address:     %s\n", identity.Address.Hex())
		fmt.Printf("public_key:  0x%x\n", identity.PublicKey)
		return nil
	},
}

var newMnemonicCmd = &cobra.Command{
	Use:   "new-mnemonic",
	Short: "Generate a fresh BIP39 mnemonic for server identity derivation",
	RunE: func(cmd *cobra.Command, args []string) error {
		entropy := make([]byte, 32)
		if _, err := rand.Read(entropy); err != nil {
			return err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return err
		}
		fmt.Println(mnemonic)
		return nil
	},
}
