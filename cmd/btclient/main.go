// Command btclient downloads a single torrent and exits. Its one
// positional argument is the path to the .torrent file; the tracker
// announce URL is given with the required --tracker flag, and
// configuration is read from config.txt in the working directory unless
// --config names another file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"

	"github.com/polleria/bittorrent/clientconfig"
	"github.com/polleria/bittorrent/connmanager"
	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/metainfo"
	"github.com/polleria/bittorrent/piecemanager"
	"github.com/polleria/bittorrent/piecesaver"
	"github.com/polleria/bittorrent/trackerclient"
	"github.com/polleria/bittorrent/xlog"
)

// lazyScheduler breaks the construction cycle between piecemanager, which
// needs a Scheduler at New time, and connmanager, which needs the
// constructed *piecemanager.Manager as an argument: the manager is built
// first against this stand-in, and the real connection manager is
// plugged in once it exists.
type lazyScheduler struct {
	mgr *connmanager.Manager
}

func (s *lazyScheduler) DownloadPiece(peerID core.PeerID, pieceIndex int) {
	s.mgr.DownloadPiece(peerID, pieceIndex)
}

func (s *lazyScheduler) DropPeer(peerID core.PeerID) {
	s.mgr.DropPeer(peerID)
}

// logProgress logs the piece manager's completion count once per tick until
// stop is closed. Progress is read lock-free off the manager's goroutine, so
// this never competes with scheduling for the command channel.
func logProgress(piecemgr *piecemanager.Manager, log xlog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			complete, total := piecemgr.Progress()
			log.Infof("progress: %d/%d pieces complete", complete, total)
		case <-stop:
			return
		}
	}
}

func main() {
	app := kingpin.New("btclient", "Downloads a single torrent and exits")
	torrentPath := app.Arg("torrent", "path to the .torrent file").Required().String()
	configPath := app.Flag("config", "path to config.txt").Default("config.txt").String()
	trackerURL := app.Flag("tracker", "tracker announce URL").Required().String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*torrentPath, *configPath, *trackerURL); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(torrentPath, configPath, trackerURL string) error {
	cfg, err := clientconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %s", err)
	}

	log, err := xlog.NewFileLogger(cfg.LogPath + "/download_log.txt")
	if err != nil {
		return fmt.Errorf("open log: %s", err)
	}

	mi, err := metainfo.LoadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("load torrent: %s", err)
	}

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		return fmt.Errorf("generate peer id: %s", err)
	}

	sched := &lazyScheduler{}
	piecemgr := piecemanager.New(mi.Info.NumPieces(), sched, log)
	go piecemgr.Run()

	saver := piecesaver.New(cfg.DownloadPath, &mi.Info, piecemgr, log)
	go saver.Run()

	tracker, err := trackerclient.New(
		trackerclient.Config{AnnounceURL: trackerURL}, localPeerID, mi.InfoHash, cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("tracker client: %s", err)
	}

	clk := clock.New()
	connmgr := connmanager.New(
		localPeerID, mi.InfoHash, &mi.Info, piecemgr, saver, tracker, clk,
		connmanager.Config{IdleConnTTL: 2 * time.Minute}, log)
	sched.mgr = connmgr

	peers, interval, err := tracker.Announce("started")
	if err != nil {
		return fmt.Errorf("initial announce: %s", err)
	}
	connmgr.StartConnections(peers)
	go connmgr.RunReannounce(time.Duration(interval) * time.Second)
	go connmgr.RunIdleReaper()

	stopProgress := make(chan struct{})
	go logProgress(piecemgr, log, stopProgress)

	<-piecemgr.Done()
	close(stopProgress)

	connmgr.CloseConnections()

	if err := piecemgr.Err(); err != nil {
		return fmt.Errorf("download: %s", err)
	}

	if _, _, err := tracker.Announce("completed"); err != nil {
		log.Errorf("completed announce failed: %s", err)
	}

	return nil
}
