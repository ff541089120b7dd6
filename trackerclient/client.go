// Package trackerclient is the announce HTTP client of spec.md §4.3: it
// builds the tracker GET query, issues a single HTTP/1.0 request, and
// decodes the bencoded response into a peer list.
package trackerclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/polleria/bittorrent/bencode"
	"github.com/polleria/bittorrent/connmanager"
	"github.com/polleria/bittorrent/core"
)

// FailureError wraps a tracker's "failure reason" response.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("trackerclient: tracker returned failure: %s", e.Reason)
}

// Config bounds a Client's retry and timeout behavior.
type Config struct {
	AnnounceURL    string        `yaml:"announce_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	NumWant        int           `yaml:"numwant"`
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 100 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.NumWant == 0 {
		c.NumWant = 100
	}
}

// Client announces a single torrent's progress to one tracker.
type Client struct {
	config      Config
	announceURL *url.URL
	localPeerID core.PeerID
	infoHash    core.InfoHash
	port        int
}

// New constructs a Client that announces infoHash/localPeerID/port to the
// tracker at config.AnnounceURL.
func New(config Config, localPeerID core.PeerID, infoHash core.InfoHash, port int) (*Client, error) {
	config.applyDefaults()
	u, err := url.Parse(config.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: invalid announce url: %s", err)
	}
	return &Client{
		config:      config,
		announceURL: u,
		localPeerID: localPeerID,
		infoHash:    infoHash,
		port:        port,
	}, nil
}

// Announce performs a tracker announce for event (one of "started",
// "stopped", "completed", or "" for a keep-alive re-announce), making at
// most config.MaxAttempts attempts in total; any error, including a tracker
// failure reason, triggers the next attempt.
func (c *Client) Announce(event string) ([]connmanager.PeerAddr, int, error) {
	var peers []connmanager.PeerAddr
	var intervalSeconds int

	attempt := func() error {
		p, interval, err := c.announceOnce(event)
		if err != nil {
			return err
		}
		peers, intervalSeconds = p, interval
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(c.config.MaxAttempts-1))
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, 0, err
	}
	return peers, intervalSeconds, nil
}

func (c *Client) announceOnce(event string) ([]connmanager.PeerAddr, int, error) {
	query := c.buildQuery(event)

	conn, err := c.dial()
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.config.RequestTimeout))

	path := c.announceURL.Path
	if path == "" {
		path = "/"
	}
	reqLine := fmt.Sprintf("GET %s?%s HTTP/1.0\r\nHost: %s\r\n\r\n", path, query, c.announceURL.Host)
	if _, err := conn.Write([]byte(reqLine)); err != nil {
		return nil, 0, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "GET"})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	return parseAnnounceResponse(body)
}

func (c *Client) dial() (net.Conn, error) {
	addr := c.announceURL.Host
	if c.announceURL.Scheme == "https" {
		return tls.DialWithDialer(&net.Dialer{Timeout: c.config.RequestTimeout}, "tcp", addr, &tls.Config{})
	}
	return net.DialTimeout("tcp", addr, c.config.RequestTimeout)
}

func (c *Client) buildQuery(event string) string {
	params := []struct{ key, value string }{
		{"info_hash", percentEncodeBytes(c.infoHash.Bytes())},
		{"peer_id", percentEncodeBytes(c.localPeerID[:])},
		{"port", strconv.Itoa(c.port)},
		{"uploaded", "0"},
		{"downloaded", "0"},
		{"left", "0"},
		{"compact", "1"},
		{"numwant", strconv.Itoa(c.config.NumWant)},
	}
	if event != "" {
		params = append(params, struct{ key, value string }{"event", event})
	}

	var q string
	for i, p := range params {
		if i > 0 {
			q += "&"
		}
		q += p.key + "=" + p.value
	}
	return q
}

// percentEncodeBytes percent-encodes every byte not in A-Za-z0-9.-_~,
// operating on raw bytes rather than a string -- net/url's escapers assume
// valid UTF-8 text and would mangle an arbitrary 20-byte info hash or peer
// id, so this is hand-rolled rather than reused from net/url.
func percentEncodeBytes(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
	case c >= 'a' && c <= 'z':
	case c >= '0' && c <= '9':
	case c == '.' || c == '-' || c == '_' || c == '~':
	default:
		return false
	}
	return true
}

func parseAnnounceResponse(body []byte) ([]connmanager.PeerAddr, int, error) {
	v, err := bencode.DecodeAll(body)
	if err != nil {
		return nil, 0, fmt.Errorf("trackerclient: decode response: %s", err)
	}
	if v.Kind() != bencode.KindDict {
		return nil, 0, fmt.Errorf("trackerclient: response is not a dictionary")
	}
	dict := v.Dict()

	if reason, ok := dict.Get("failure reason"); ok {
		return nil, 0, &FailureError{Reason: string(reason.Bytes())}
	}

	interval := 0
	if iv, ok := dict.Get("interval"); ok {
		interval = int(iv.Int())
	}

	peersVal, ok := dict.Get("peers")
	if !ok {
		return nil, 0, fmt.Errorf("trackerclient: response missing peers")
	}
	if peersVal.Kind() != bencode.KindList {
		return nil, 0, fmt.Errorf("trackerclient: peers is not a list")
	}

	var peers []connmanager.PeerAddr
	for _, pv := range peersVal.List() {
		if pv.Kind() != bencode.KindDict {
			return nil, 0, fmt.Errorf("trackerclient: peer entry is not a dictionary")
		}
		pd := pv.Dict()

		ipVal, ok := pd.Get("ip")
		if !ok {
			return nil, 0, fmt.Errorf("trackerclient: peer entry missing ip")
		}
		portVal, ok := pd.Get("port")
		if !ok {
			return nil, 0, fmt.Errorf("trackerclient: peer entry missing port")
		}
		idVal, ok := pd.Get("peer id")
		if !ok {
			return nil, 0, fmt.Errorf("trackerclient: peer entry missing peer id")
		}
		idBytes := idVal.Bytes()
		if len(idBytes) != 20 {
			return nil, 0, fmt.Errorf("trackerclient: peer id must be 20 bytes, got %d", len(idBytes))
		}
		var peerID core.PeerID
		copy(peerID[:], idBytes)

		peers = append(peers, connmanager.PeerAddr{
			PeerID: peerID,
			IP:     string(ipVal.Bytes()),
			Port:   int(portVal.Int()),
		})
	}

	return peers, interval, nil
}
