package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"v2x_node/internal/config"
	"v2x_node/internal/server"
	"v2x_node/internal/utils"
)

func main() {
	var (
		configPath string
		nodeID     string
		group      string
		port       int
		rate       string
		ttl        int
		iface      string
		statusAddr string
		logLevel   string
		logPath    string
	)
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&nodeID, "id", "", "node id (default: random)")
	flag.StringVar(&group, "group", config.DefaultGroup, "multicast group")
	flag.IntVar(&port, "port", config.DefaultPort, "UDP port")
	flag.StringVar(&rate, "rate", "5.0", "messages per second, or count/window such as 10/2s")
	flag.IntVar(&ttl, "ttl", config.DefaultTTL, "multicast TTL")
	flag.StringVar(&iface, "iface", "", "interface to join the group on (default: by route)")
	flag.StringVar(&statusAddr, "status", "", "status HTTP address, empty to disable")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&logPath, "log-path", "", "log directory, empty for stdout")
	flag.Parse()

	cfg, err := config.LoadMainConfig(configPath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	// Flags given on the command line win over the file.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = nodeID
		case "group":
			cfg.MulticastGroup = group
		case "port":
			cfg.Port = port
		case "rate":
			r, err := utils.ParseRate(rate)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Rate = config.Rate(r)
		case "ttl":
			cfg.TTL = ttl
		case "iface":
			cfg.Interface = iface
		case "status":
			cfg.StatusAddr = statusAddr
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-path":
			cfg.LogPath = logPath
		}
	})
	if flagErr != nil {
		log.Fatalf("Invalid flag: %v", flagErr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	cfg.EnsureNodeID()

	logger, err := utils.NewLogger(cfg.NodeID, cfg.LogPath, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := server.NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("node startup failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if err := node.Run(ctx); err != nil {
		logger.Error("node failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("node stopped")
}
