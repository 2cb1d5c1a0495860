// Command shdc-sensor runs the sensor side of SHDC: discover a hub,
// join it, and periodically send event reports while listening for
// broadcast commands and key rotations.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shdchub/shdc/pkg/cache"
	"github.com/shdchub/shdc/pkg/cliutil"
	"github.com/shdchub/shdc/pkg/config"
	"github.com/shdchub/shdc/pkg/crypto/classical"
	"github.com/shdchub/shdc/pkg/crypto/keystore"
	"github.com/shdchub/shdc/pkg/discovery"
	"github.com/shdchub/shdc/pkg/engine"
	"github.com/shdchub/shdc/pkg/logging"
	"github.com/shdchub/shdc/pkg/statusapi"
	"github.com/shdchub/shdc/shared/protocol"
)

func main() {
	root := &cobra.Command{
		Use:   "shdc-sensor",
		Short: "Run and administer a Smart Home Device Communications sensor",
	}

	root.AddCommand(runCmd())
	root.AddCommand(discoverCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// eventTypeFor maps a sensor type name to the EVENT_REPORT code it
// reports, falling back to a heartbeat for unrecognized types.
func eventTypeFor(sensorType string) byte {
	switch strings.ToLower(sensorType) {
	case "motion":
		return protocol.EventMotion
	case "door":
		return protocol.EventDoorOpen
	case "window":
		return protocol.EventWindowOpen
	case "temperature":
		return protocol.EventTemperature
	case "humidity":
		return protocol.EventHumidity
	case "smoke":
		return protocol.EventSmoke
	case "glassbreak":
		return protocol.EventGlassBreak
	case "vibration":
		return protocol.EventVibration
	default:
		return protocol.EventHeartbeat
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		hubAddr    string
		noAutoJoin bool
		dataPath   string
		interval   int
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run <id> <type>",
		Short: "Start the sensor, join a hub, and report events periodically",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sensorType := args[1]

			cfg, err := loadConfig(configPath, config.RoleSensor, args[0])
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}

			log, err := newLogger("sensor", cfg)
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
				return fmt.Errorf("failed to load sensor identity: %w", err)
			}

			bus := engine.NewBus()
			sensor := engine.NewSensor(cfg.DeviceID, identity, sensorType, store, log, bus)

			var c *cache.Cache
			if cfg.Cache.Enabled {
				c, err = cache.Open(cache.Config{Addr: cfg.Cache.Addr})
				if err != nil {
					return fmt.Errorf("failed to open cache: %w", err)
				}
				defer c.Close()
				sensor.SetCache(c)
			}

			feed := statusapi.New(cfg.StatusAddr, sensor.Status, log)
			bus.Attach(feed.Sink())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				if err := feed.Start(ctx); err != nil {
					log.Warn("status feed stopped", logging.Fields{"error": err.Error()})
				}
			}()

			if hubAddr != "" {
				pinned, err := discoverHubAt(ctx, hubAddr, identity, cfg.DeviceID, sensorType)
				if err != nil {
					return fmt.Errorf("failed to reach --hub %s: %w", hubAddr, err)
				}
				sensor.SetKnownHub(pinned)
			}

			if !noAutoJoin {
				if err := sensor.Join(ctx); err != nil {
					return fmt.Errorf("failed to join hub: %w", err)
				}
				fmt.Printf("Sensor %08X joined hub, reporting as %q every %ds\n", cfg.DeviceID, sensorType, interval)
			}

			var data []byte
			if dataPath != "" {
				data, err = os.ReadFile(dataPath)
				if err != nil {
					return fmt.Errorf("failed to read --data file: %w", err)
				}
			}

			eventType := eventTypeFor(sensorType)
			ticker := time.NewTicker(time.Duration(interval) * time.Second)
			defer ticker.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			for {
				select {
				case <-ticker.C:
					if sensor.State() == engine.SensorConnected {
						if err := sensor.Report(eventType, data); err != nil {
							log.Warn("failed to send event report", logging.Fields{"error": err.Error()})
						}
					}
				case <-sigCh:
					fmt.Println("\nShutting down...")
					return sensor.Stop()
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&hubAddr, "hub", "", "Known hub address (host:port); discovery still runs and keeps only that hub")
	cmd.Flags().BoolVar(&noAutoJoin, "no-auto-join", false, "Start without joining a hub (no socket is opened)")
	cmd.Flags().StringVar(&dataPath, "data", "", "File whose bytes are sent as event report payload")
	cmd.Flags().IntVar(&interval, "interval", 60, "Seconds between event reports")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func discoverCmd() *cobra.Command {
	var timeoutSec int

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast HUB_DISCOVERY_REQ and list responding hubs",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := classical.GenerateEd25519Keypair()
			if err != nil {
				return fmt.Errorf("failed to generate probe identity: %w", err)
			}

			registry := discovery.NewRegistry()
			cfg := discovery.DefaultConfig()
			cfg.Timeout = time.Duration(timeoutSec) * time.Second
			discoverer := discovery.NewDiscoverer(registry, cfg)

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec+1)*time.Second)
			defer cancel()

			hubs, err := discoverer.Discover(ctx, identity, protocol.UnassignedDeviceID, "shdc-sensor discover probe")
			if err != nil {
				return fmt.Errorf("discovery failed: %w", err)
			}

			if len(hubs) == 0 {
				fmt.Println("No hubs responded.")
				return nil
			}
			fmt.Printf("%-10s %-22s %s\n", "HUB ID", "ADDRESS", "CAPABILITIES")
			for _, hub := range hubs {
				fmt.Printf("%08X   %-22s %s\n", hub.HubID, hub.Address.String(), hub.Capabilities)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutSec, "timeout", 5, "Discovery listen window, in seconds")
	return cmd
}

func statusCmd() *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Query a running sensor's status over its loopback status feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.ParseDeviceID(args[0]); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return cliutil.FetchJSON(ctx, fmt.Sprintf("http://%s/status", statusAddr))
		},
	}

	cmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:7701", "Sensor status feed address")
	return cmd
}

// discoverHubAt runs a normal LAN discovery sweep and returns the one
// responding hub whose address matches target, so --hub can pin a
// specific hub on a multi-hub LAN without skipping the trust-on-
// first-use exchange that hands over its public key.
func discoverHubAt(ctx context.Context, target string, identity *classical.Ed25519Keypair, deviceID uint32, deviceInfo string) (*discovery.DiscoveredHub, error) {
	want, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	registry := discovery.NewRegistry()
	discoverer := discovery.NewDiscoverer(registry, discovery.DefaultConfig())

	hubs, err := discoverer.Discover(ctx, identity, deviceID, deviceInfo)
	if err != nil {
		return nil, err
	}
	for _, hub := range hubs {
		if hub.Address.String() == want.String() {
			return hub, nil
		}
	}
	return nil, fmt.Errorf("no hub answered from %s", target)
}

func loadConfig(path string, role config.Role, idArg string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	id, err := config.ParseDeviceID(idArg)
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{Role: role, DeviceIDHex: idArg, DeviceID: id}
	cfg.KeyStorePath = os.ExpandEnv("$HOME/.shdc/sensor-keys")
	cfg.StatusAddr = "127.0.0.1:7701"
	return cfg, nil
}

func newLogger(component string, cfg *config.Config) (*logging.Logger, error) {
	return logging.New(component, cliutil.LoggingLevel(cfg.Debug), "")
}
