package main

import (
	"flag"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"asmredis/cluster/core"
	"asmredis/config"
	"asmredis/lib/logger"
	"asmredis/lib/metrics"
	"asmredis/tcp"
)

var (
	configFile = flag.String("config", "", "config file, redis style or .yaml")
	port       = flag.Int("port", 0, "override port in config")
	bootstrap  = flag.Bool("bootstrap", false, "bootstrap a new cluster with this node")
	seed       = flag.String("seed", "", "address of any node in the cluster to join")
)

func main() {
	flag.Parse()
	if *configFile != "" {
		config.SetupConfig(*configFile)
	}
	props := config.Properties
	if *port > 0 {
		props.Port = *port
	}
	if *bootstrap {
		props.ClusterBootstrap = true
	}
	if *seed != "" {
		props.ClusterSeed = *seed
	}

	setupLogger(props)
	if err := metrics.Setup("asmredis"); err != nil {
		logger.Warnf("metrics setup failed: %v", err)
	}
	metrics.Serve(props.MetricsListen)

	cluster, err := core.Setup(props)
	if err != nil {
		logger.Errorf("setup cluster node failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("cluster node %s starting", cluster.Self())
	if err := cluster.Start(); err != nil {
		logger.Errorf("start cluster node failed: %v", err)
		_ = cluster.Close()
		os.Exit(1)
	}
	err = tcp.ListenAndServeWithSignal(&tcp.Config{
		Address: net.JoinHostPort(props.Bind, strconv.Itoa(props.Port)),
	}, cluster)
	if err != nil {
		logger.Error(err)
		_ = cluster.Close()
		os.Exit(1)
	}
}

func setupLogger(props *config.ServerProperties) {
	if props.LogFile != "" {
		name := strings.TrimSuffix(filepath.Base(props.LogFile), filepath.Ext(props.LogFile))
		logger.Setup(&logger.Settings{
			Path:       filepath.Dir(props.LogFile),
			Name:       name,
			Ext:        "log",
			TimeFormat: "2006-01-02",
			Level:      props.LogLevel,
		})
		return
	}
	logger.SetLevel(props.LogLevel)
}
