// Command btpeerserver runs the seeding side of the wire protocol for a
// single torrent, indefinitely: the long-running counterpart to btclient's
// one-shot download-then-exit, per spec.md §4.9.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/andres-erbsen/clock"
	"github.com/spf13/cobra"
	"github.com/uber-go/tally"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/server"
	"github.com/polleria/bittorrent/utils/configutil"
	"github.com/polleria/bittorrent/xlog"
	"github.com/polleria/bittorrent/xmetrics"
)

// Config is the yaml configuration loaded by --config.
type Config struct {
	Server  server.Config  `yaml:"server"`
	Metrics xmetrics.Config `yaml:"metrics"`
}

var (
	configFile  string
	cluster     string
	torrentPath string
	downloadDir string
	logPath     string

	rootCmd = &cobra.Command{
		Short: "btpeerserver seeds a single torrent to the swarm indefinitely.",
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
	rootCmd.PersistentFlags().StringVarP(
		&torrentPath, "torrent", "", "", "path to the .torrent file to seed")
	rootCmd.PersistentFlags().StringVarP(
		&downloadDir, "download-dir", "", "", "directory holding the already-downloaded piece files")
	rootCmd.PersistentFlags().StringVarP(
		&logPath, "log", "", "", "path to server_log.txt (defaults to stderr console logging)")
	rootCmd.MarkPersistentFlagRequired("torrent")
	rootCmd.MarkPersistentFlagRequired("download-dir")
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

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("open log: %s", err)
	}

	stats, closer, err := xmetrics.New(config.Metrics, cluster)
	if err != nil {
		return fmt.Errorf("init metrics: %s", err)
	}
	defer closer.Close()

	mi, err := metainfo.LoadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("load torrent: %s", err)
	}

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generate peer id: %s", err)
	}

	acceptor := server.New(
		config.Server, localPeerID, mi.InfoHash, &mi.Info, downloadDir, clock.New(), log)

	go func() {
		debugAddr := fmt.Sprintf(":%d", config.Server.ListenPort+1)
		log.Errorf("debug server stopped: %s", serveDebug(debugAddr, stats))
	}()

	return acceptor.ListenAndServe()
}

func newLogger() (xlog.Logger, error) {
	if logPath == "" {
		return xlog.NewDevelopment(), nil
	}
	return xlog.NewFileLogger(logPath)
}

// serveDebug exposes the /health debug surface on addr until it errors.
func serveDebug(addr string, stats tally.Scope) error {
	return http.ListenAndServe(addr, xmetrics.NewDebugHandler(stats))
}
