package cmd

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/gmcast/logger"
	"github.com/adamgarcia4/gmcast/node"
	"github.com/adamgarcia4/gmcast/registry"
	"github.com/adamgarcia4/gmcast/telemetry"
)

var (
	address    string
	port       string
	nodeID     string
	group      string
	seeds      []string
	adminAddr  string
	healthAddr string
	etcdEps    []string
	debug      bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a mesh node",
	Long: `Start a GMCast mesh node.

Examples:
  # Start a seed node
  gmcast start --node-id=node-1 --group=g1 --port=4567

  # Join via a seed
  gmcast start --node-id=node-2 --group=g1 --port=4568 --seeds=127.0.0.1:4567

  # Bootstrap the seed list from etcd instead
  gmcast start --node-id=node-3 --group=g1 --discovery=http://etcd:2379`,
	Run: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&address, "address", "a", node.DefaultAddress, "Address to bind the mesh listener to")
	startCmd.Flags().StringVarP(&port, "port", "p", node.DefaultPort, "Port to bind the mesh listener to")
	startCmd.Flags().StringVarP(&nodeID, "node-id", "n", node.DefaultNodeID, "Unique node identifier")
	startCmd.Flags().StringVarP(&group, "group", "g", node.DefaultGroup, "Group name; only same-group peers handshake")
	startCmd.Flags().StringSliceVarP(&seeds, "seeds", "s", []string{}, "Seed node addresses (comma-separated)")
	startCmd.Flags().StringVar(&adminAddr, "admin", "", "Admin HTTP endpoint (/healthz, /info, /metrics); empty disables")
	startCmd.Flags().StringVar(&healthAddr, "health", "", "gRPC health endpoint; empty disables")
	startCmd.Flags().StringSliceVar(&etcdEps, "discovery", []string{}, "etcd endpoints for seed discovery")
	startCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func runStart(cmd *cobra.Command, args []string) {
	logger.Init("", true)
	logger.SetDebug(debug)
	telemetry.SetBuildInfo(version, gitSHA)

	config := node.DefaultConfig(nodeID)
	config.Group = group
	config.Address = address
	config.Port = port
	config.Seeds = seeds
	config.HealthAddr = healthAddr

	// Discovery only bootstraps the seed list; gossip handles the rest.
	if len(etcdEps) > 0 {
		cli, err := registry.NewClient(etcdEps)
		if err != nil {
			log.Fatalf("failed to create discovery client: %v", err)
		}
		defer cli.Close()

		peers, err := registry.GetPeers(cli, nodeID)
		if err != nil {
			log.Fatalf("failed to fetch peers: %v", err)
		}
		for id, addr := range peers {
			logger.Printf("[%s] discovered seed %s -> %s", nodeID, id, addr)
			config.Seeds = append(config.Seeds, addr)
		}

		if _, cancel, err := registry.RegisterNode(cli, nodeID, config.ListenAddr(), 10); err != nil {
			log.Fatalf("failed to register node: %v", err)
		} else {
			defer cancel()
		}
	}

	n, err := node.New(config)
	if err != nil {
		log.Fatalf("failed to create node: %v", err)
	}

	n.OnDeliver(func(payload []byte, source uuid.UUID) {
		logger.Printf("[%s] %d bytes from %s", nodeID, len(payload), source)
	})

	if err := n.Start(); err != nil {
		log.Fatalf("failed to start node: %v", err)
	}

	if adminAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", n.Healthz)
		mux.HandleFunc("/info", n.Info)
		mux.Handle("/metrics", telemetry.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(adminAddr, mux); err != nil {
				logger.Errorf("admin server: %v", err)
			}
		}()
		logger.Printf("[%s] admin endpoints on %s", nodeID, adminAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if err := n.Stop(); err != nil {
		logger.Errorf("Error during shutdown: %v", err)
	}
}
