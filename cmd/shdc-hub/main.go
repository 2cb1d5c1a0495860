// Command shdc-hub runs the hub side of SHDC: it accepts sensor joins,
// answers discovery requests, and decrypts event reports. It has no
// subcommand that broadcasts a command or rotates the broadcast key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shdchub/shdc/pkg/audit"
	"github.com/shdchub/shdc/pkg/cache"
	"github.com/shdchub/shdc/pkg/cliutil"
	"github.com/shdchub/shdc/pkg/config"
	"github.com/shdchub/shdc/pkg/crypto/keystore"
	"github.com/shdchub/shdc/pkg/engine"
	"github.com/shdchub/shdc/pkg/logging"
	"github.com/shdchub/shdc/pkg/statusapi"
)

func main() {
	root := &cobra.Command{
		Use:   "shdc-hub",
		Short: "Run and administer a Smart Home Device Communications hub",
	}

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(resetKeysCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		port       int
		iface      string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Start the hub and serve joins, events, and broadcasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, config.RoleHub, args[0])
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			if iface != "" {
				cfg.Interface = iface
			}
			if debug {
				cfg.Debug = true
			}

			log, err := newLogger("hub", cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer log.Sync()

			store, err := keystore.NewStore(cfg.KeyStorePath)
			if err != nil {
				return fmt.Errorf("failed to open key store: %w", err)
			}

			identity, err := engine.LoadOrCreateIdentity(store)
			if err != nil {
				return fmt.Errorf("failed to load hub identity: %w", err)
			}

			bus := engine.NewBus()

			var trail *audit.Trail
			if cfg.Audit.Enabled {
				trail, err = audit.Open(audit.Config{DSN: cfg.Audit.DSN})
				if err != nil {
					return fmt.Errorf("failed to open audit trail: %w", err)
				}
				defer trail.Close()
				bus.Attach(trail.Sink(log))
			}

			var c *cache.Cache
			if cfg.Cache.Enabled {
				c, err = cache.Open(cache.Config{Addr: cfg.Cache.Addr})
				if err != nil {
					return fmt.Errorf("failed to open cache: %w", err)
				}
				defer c.Close()
			}

			hub, err := engine.NewHub(cfg.DeviceID, identity, store, cfg.Port, log, bus)
			if err != nil {
				return fmt.Errorf("failed to construct hub: %w", err)
			}
			if c != nil {
				hub.SetCache(c)
			}

			feed := statusapi.New(cfg.StatusAddr, hub.Status, log)
			bus.Attach(feed.Sink())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				if err := feed.Start(ctx); err != nil {
					log.Warn("status feed stopped", logging.Fields{"error": err.Error()})
				}
			}()

			if err := hub.Run(); err != nil {
				return fmt.Errorf("failed to start hub: %w", err)
			}

			fmt.Printf("Hub %08X running on port %d (status: %s)\n", cfg.DeviceID, cfg.Port, cfg.StatusAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			fmt.Println("\nShutting down...")
			if err := hub.Stop(); err != nil {
				return fmt.Errorf("error stopping hub: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().IntVar(&port, "port", 0, "UDP port to bind (overrides config)")
	cmd.Flags().StringVar(&iface, "interface", "", "NIC name stored in the config (overrides config); the transport does not read it and uses the first up multicast interface")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func statusCmd() *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Query a running hub's status over its loopback status feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.ParseDeviceID(args[0]); err != nil {
				return err
			}
			return printRemoteStatus(statusAddr)
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:7700", "Hub status feed address")
	return cmd
}

func resetKeysCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset-keys <id>",
		Short: "Delete all persisted key material for this hub",
		Long: `Delete every key the hub's store holds — its own identity, peer
public keys, session keys, and broadcast key history — forcing every
sensor to rejoin from scratch on next contact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, config.RoleHub, args[0])
			if err != nil {
				return err
			}

			if !yes {
				fmt.Printf("This will delete all keys under %s. Continue? [y/N]: ", cfg.KeyStorePath)
				var response string
				fmt.Scanln(&response)
				if response != "y" && response != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}

			store, err := keystore.NewStore(cfg.KeyStorePath)
			if err != nil {
				return fmt.Errorf("failed to open key store: %w", err)
			}
			keys, err := store.List()
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			for _, k := range keys {
				if err := store.Delete(k.ID); err != nil {
					return fmt.Errorf("failed to delete key %q: %w", k.ID, err)
				}
			}
			fmt.Printf("Deleted %d key(s) from %s\n", len(keys), cfg.KeyStorePath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

// loadConfig reads configPath if given, otherwise builds a minimal
// config from defaults plus the id argument every subcommand takes.
func loadConfig(path string, role config.Role, idArg string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}

	id, err := config.ParseDeviceID(idArg)
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{Role: role, DeviceIDHex: idArg, DeviceID: id}
	cfg.KeyStorePath = os.ExpandEnv("$HOME/.shdc/keys")
	cfg.BindAddress = "0.0.0.0"
	cfg.Port = 56700
	cfg.StatusAddr = "127.0.0.1:7700"
	return cfg, nil
}

func newLogger(component string, cfg *config.Config) (*logging.Logger, error) {
	return logging.New(component, cliutil.LoggingLevel(cfg.Debug), "")
}

func printRemoteStatus(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return cliutil.FetchJSON(ctx, fmt.Sprintf("http://%s/status", addr))
}
