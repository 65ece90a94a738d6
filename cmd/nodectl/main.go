package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/edgeinstall/internal/logging"
	"github.com/danmuck/edgeinstall/internal/node"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "", "path to node TOML config")
	nodeID := pflag.String("node-id", "", "override node_id from the config")
	pflag.Parse()

	logging.ConfigureRuntime()

	cfg := node.DefaultConfig()
	if *configPath != "" {
		loaded, err := loadNodeConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}

	svc := node.NewService()
	if err := svc.Run(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "nodectl: %v\n", err)
		os.Exit(1)
	}
}
