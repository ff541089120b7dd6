// Command bttracker runs the announce tracker: an HTTP front over the
// announce protocol, its active-peer bookkeeping, and its time-series
// metrics store, per spec.md §4.10.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"

	"github.com/polleria/bittorrent/tracker"
	"github.com/polleria/bittorrent/utils/configutil"
	"github.com/polleria/bittorrent/xlog"
	"github.com/polleria/bittorrent/xmetrics"
)

// Config is the yaml configuration loaded by --config.
type Config struct {
	Tracker tracker.Config  `yaml:"tracker"`
	Metrics xmetrics.Config `yaml:"metrics"`
}

var (
	configFile string
	cluster    string
	debugPort  int

	rootCmd = &cobra.Command{
		Short: "bttracker keeps track of all the peers and their data in the p2p network.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := start(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configFile, "config", "", "", "configuration file path")
	rootCmd.PersistentFlags().StringVarP(
		&cluster, "cluster", "", "", "cluster name (e.g. prod01-zone1), tagged on emitted metrics")
	rootCmd.PersistentFlags().IntVarP(
		&debugPort, "debug-port", "", 0, "port for the /health debug surface (defaults to tracker port + 1)")
}

// Execute runs the root command, the cmd/ entrypoint's standard shape.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func start() error {
	var config Config
	if configFile != "" {
		if err := configutil.Load(configFile, &config); err != nil {
			return fmt.Errorf("load config: %s", err)
		}
	}

	log := xlog.NewDevelopment()

	stats, closer, err := xmetrics.New(config.Metrics, cluster)
	if err != nil {
		return fmt.Errorf("init metrics: %s", err)
	}
	defer closer.Close()

	clk := clock.New()

	store := tracker.NewMetricsStore(config.Tracker.MetricsStoreDays)
	aggregator := tracker.NewAggregator(store, clk)
	go aggregator.Run()
	snapshotInterval := config.Tracker.SnapshotInterval
	if snapshotInterval == 0 {
		snapshotInterval = 60 * time.Second
	}
	stop := make(chan struct{})
	go aggregator.RunTicker(snapshotInterval, stop)
	defer close(stop)

	announcer, err := tracker.New(config.Tracker, aggregator, clk)
	if err != nil {
		return fmt.Errorf("init tracker: %s", err)
	}
	go announcer.Run()
	defer announcer.Stop()

	front := tracker.NewHTTPFront(config.Tracker, announcer, store, clk, log)

	port := debugPort
	if port == 0 {
		port = config.Tracker.ListenPort + 1
	}
	go func() {
		addr := fmt.Sprintf(":%d", port)
		log.Errorf("debug server stopped: %s", http.ListenAndServe(addr, xmetrics.NewDebugHandler(stats)))
	}()

	log.Infof("bttracker listening on :%d", config.Tracker.ListenPort)
	return front.ListenAndServe()
}
