package tracker

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/polleria/bittorrent/core"
	"github.com/polleria/bittorrent/workerpool"
	"github.com/polleria/bittorrent/xlog"
)

// HTTPFront is a bound TCP listener that dispatches each accepted socket to
// a worker pool. Each worker parses a single-line HTTP GET request and
// routes it to the announce manager, the metrics store, or a static file,
// never to a general-purpose HTTP stack -- a tracker's request shape is
// narrow enough that net/http's routing and header machinery buys nothing.
type HTTPFront struct {
	config    Config
	announcer *AnnounceManager
	metrics   *MetricsStore
	clk       clock.Clock
	log       xlog.Logger

	ln   net.Listener
	pool *workerpool.Pool
}

// NewHTTPFront constructs an HTTPFront bound to no socket yet; call
// ListenAndServe to start accepting.
func NewHTTPFront(config Config, announcer *AnnounceManager, metrics *MetricsStore, clk clock.Clock, log xlog.Logger) *HTTPFront {
	config.applyDefaults()
	return &HTTPFront{config: config, announcer: announcer, metrics: metrics, clk: clk, log: log}
}

// ListenAndServe binds config.ListenPort and serves until Close is called.
func (f *HTTPFront) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", f.config.ListenPort))
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	f.ln = ln
	f.pool = workerpool.New(f.config.PoolWorkers)

	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		f.pool.Submit(func() { f.serve(nc) })
	}
}

// Close stops accepting new connections and drains the worker pool.
func (f *HTTPFront) Close() error {
	var err error
	if f.ln != nil {
		err = f.ln.Close()
	}
	if f.pool != nil {
		f.pool.Stop()
	}
	return err
}

func (f *HTTPFront) serve(nc net.Conn) {
	defer nc.Close()
	nc.SetReadDeadline(f.clk.Now().Add(10 * time.Second))

	path, query, err := parseRequestLine(nc)
	if err != nil {
		return
	}

	nc.SetWriteDeadline(f.clk.Now().Add(10 * time.Second))

	switch {
	case path == "/announce":
		f.serveAnnounce(nc, query)
	case path == "/metrics":
		f.serveMetrics(nc, query)
	case path == "/stats" || path == "/":
		f.serveStatic(nc, "index.html")
	default:
		writeStatus(nc, 404, "Not Found", nil)
	}
}

// parseRequestLine reads "GET /<path>?<query> HTTP/1.x\r\n" off nc and
// splits the query string on & and = without any percent-unescaping -- the
// client already sent percent-encoded bytes, and individual handlers decode
// only the fields they need.
func parseRequestLine(nc net.Conn) (path string, query map[string][]byte, err error) {
	r := bufio.NewReader(nc)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "GET" {
		return "", nil, fmt.Errorf("tracker: malformed request line %q", line)
	}

	target := fields[1]
	path = target
	query = make(map[string][]byte)
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path = target[:i]
		for _, pair := range strings.Split(target[i+1:], "&") {
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				query[kv[0]] = []byte(kv[1])
			} else {
				query[kv[0]] = []byte("")
			}
		}
	}
	return path, query, nil
}

func (f *HTTPFront) serveAnnounce(nc net.Conn, query map[string][]byte) {
	params, err := parseAnnounceParams(query, f.config.DefaultNumWant)
	if err != nil {
		writeStatus(nc, 400, "Bad Request", []byte(err.Error()))
		return
	}

	resp, err := f.announcer.Announce(params)
	if err != nil {
		f.log.Errorf("tracker: announce: %s", err)
		writeStatus(nc, 500, "Internal Server Error", nil)
		return
	}

	writeStatus(nc, 200, "OK", EncodeTrackerResponse(resp))
}

// serveMetrics answers GET /metrics?key=<string>&timeFrameInterval=days|hours
// &timeFrameCount=<int>&groupBy=hours|minutes&groupByCount=<int>, per spec.md
// §6's tracker HTTP surface.
func (f *HTTPFront) serveMetrics(nc net.Conn, query map[string][]byte) {
	key := string(query["key"])
	timeFrameCount := queryInt(query, "timeFrameCount", 24)
	groupByCount := queryInt(query, "groupByCount", 1)

	var timeFrame TimeFrame
	if string(query["timeFrameInterval"]) == "days" {
		timeFrame = LastDays(timeFrameCount)
	} else {
		timeFrame = LastHours(timeFrameCount)
	}

	var groupBy GroupBy
	if string(query["groupBy"]) == "minutes" {
		groupBy = Minutes(groupByCount)
	} else {
		groupBy = Hours(groupByCount)
	}

	result, err := f.metrics.Query(key, timeFrame, groupBy, f.clk.Now())
	if err != nil {
		writeStatus(nc, 200, "OK", []byte(`{"error":"`+err.Error()+`"}`))
		return
	}
	writeStatus(nc, 200, "OK", []byte(encodeQueryResultJSON(result)))
}

func (f *HTTPFront) serveStatic(nc net.Conn, name string) {
	path := filepath.Join(f.config.StaticDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		writeStatus(nc, 404, "Not Found", nil)
		return
	}
	writeStatus(nc, 200, "OK", data)
}

func queryInt(query map[string][]byte, key string, def int) int {
	v, ok := query[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return def
	}
	return n
}

func encodeQueryResultJSON(result QueryResult) string {
	var b strings.Builder
	b.WriteString(`{"data":[`)
	for i, p := range result.Data {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"moment":"`)
		b.WriteString(p.Moment.Format("2006-01-02 15:04:05"))
		b.WriteString(`","value":`)
		b.WriteString(strconv.FormatInt(p.Value, 10))
		b.WriteByte('}')
	}
	b.WriteString(`]}`)
	return b.String()
}

func writeStatus(nc net.Conn, code int, reason string, body []byte) {
	fmt.Fprintf(nc, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", code, reason, len(body))
	nc.Write(body)
}

// parseAnnounceParams extracts AnnounceParams from a raw, percent-encoded
// query map. info_hash and peer_id are percent-decoded byte-for-byte;
// everything else is plain ASCII and decoded as text.
func parseAnnounceParams(query map[string][]byte, defaultNumWant int) (AnnounceParams, error) {
	infoHashRaw, ok := query["info_hash"]
	if !ok {
		return AnnounceParams{}, &MissingParamError{Name: "info_hash"}
	}
	peerIDRaw, ok := query["peer_id"]
	if !ok {
		return AnnounceParams{}, &MissingParamError{Name: "peer_id"}
	}
	portRaw, ok := query["port"]
	if !ok {
		return AnnounceParams{}, &MissingParamError{Name: "port"}
	}
	leftRaw, ok := query["left"]
	if !ok {
		return AnnounceParams{}, &MissingParamError{Name: "left"}
	}
	ipRaw, ok := query["ip"]
	if !ok {
		return AnnounceParams{}, &MissingParamError{Name: "ip"}
	}
	// uploaded/downloaded are mandatory per the wire protocol but unused by
	// the response this tracker computes; still required for presence.
	if _, ok := query["uploaded"]; !ok {
		return AnnounceParams{}, &MissingParamError{Name: "uploaded"}
	}
	if _, ok := query["downloaded"]; !ok {
		return AnnounceParams{}, &MissingParamError{Name: "downloaded"}
	}

	infoHashBytes, err := percentDecodeBytes(infoHashRaw)
	if err != nil {
		return AnnounceParams{}, fmt.Errorf("tracker: decode info_hash: %s", err)
	}
	peerIDBytes, err := percentDecodeBytes(peerIDRaw)
	if err != nil {
		return AnnounceParams{}, fmt.Errorf("tracker: decode peer_id: %s", err)
	}
	if len(peerIDBytes) != 20 {
		return AnnounceParams{}, fmt.Errorf("tracker: peer_id must be 20 bytes, got %d", len(peerIDBytes))
	}

	port, err := strconv.Atoi(string(portRaw))
	if err != nil {
		return AnnounceParams{}, fmt.Errorf("tracker: invalid port: %s", err)
	}
	left, err := strconv.ParseInt(string(leftRaw), 10, 64)
	if err != nil {
		return AnnounceParams{}, fmt.Errorf("tracker: invalid left: %s", err)
	}

	var peerID core.PeerID
	copy(peerID[:], peerIDBytes)

	numWant := defaultNumWant
	if raw, ok := query["numwant"]; ok {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			numWant = n
		}
	}

	event := ""
	if raw, ok := query["event"]; ok {
		event = string(raw)
	}

	if len(infoHashBytes) != len(core.InfoHash{}) {
		return AnnounceParams{}, fmt.Errorf("tracker: info_hash must be 20 bytes, got %d", len(infoHashBytes))
	}
	var infoHash core.InfoHash
	copy(infoHash[:], infoHashBytes)

	return AnnounceParams{
		InfoHash: infoHash,
		PeerID:   peerID,
		IP:       string(ipRaw),
		Port:     port,
		Left:     left,
		Event:    event,
		NumWant:  numWant,
	}, nil
}

// percentDecodeBytes reverses percentEncodeBytes: %XX escapes decode to the
// raw byte; everything else passes through unchanged. Symmetric hand-rolled
// counterpart to the client's own byte-oriented percent-encoder, since
// info_hash and peer_id are opaque 20-byte blobs, not text net/url can
// safely unescape.
func percentDecodeBytes(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '%' {
			out = append(out, b[i])
			continue
		}
		if i+2 >= len(b) {
			return nil, fmt.Errorf("truncated percent-escape at offset %d", i)
		}
		hi, err := hexDigit(b[i+1])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(b[i+2])
		if err != nil {
			return nil, err
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return out, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}
