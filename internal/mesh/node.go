// Package mesh links replicas over websockets. Each link authenticates with
// a short-lived JWT, then both ends pull each other's change log in batches
// and merge what they receive. Cursors are kept per remote site, so a
// change relayed through any peer is fetched once per link.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/checklist/internal/clock"
	"github.com/mesh-intelligence/checklist/pkg/types"
)

// SyncPath is the HTTP path upgraded to a peer link.
const SyncPath = "/sync"

// Replica is the change log a Node exchanges with peers.
type Replica interface {
	SiteID() string
	Interests() []string
	ChangesSince(ctx context.Context, after int64, collections []string, limit int) ([]types.Change, int64, error)
	ApplyRemote(ctx context.Context, changes []types.Change) (int, error)
	Cursor(ctx context.Context, site string) (int64, error)
	SetCursor(ctx context.Context, site string, cursor int64) error
}

// Settings are the link timing and batching parameters.
type Settings struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ReconnectDelay time.Duration
	BatchLimit     int
}

// DefaultSettings returns the settings used outside tests.
func DefaultSettings() Settings {
	return Settings{
		PingInterval:   15 * time.Second,
		ReadTimeout:    45 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReconnectDelay: 2 * time.Second,
		BatchLimit:     500,
	}
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithClock sets the clock driving pulls, pings, and reconnects.
func WithClock(clk clock.Clock) Option {
	return func(n *Node) { n.clock = clk }
}

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(n *Node) { n.settings = s }
}

// Node serves the sync endpoint and dials configured peers. It implements
// the sqlite backend's Syncer.
type Node struct {
	replica  Replica
	config   types.SyncConfig
	auth     authenticator
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	server   *http.Server
	listener net.Listener
	links    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewNode creates a stopped node for replica. AppID and Token from config
// authenticate links; sync settings choose the listen address and peers.
func NewNode(replica Replica, config types.Config, opts ...Option) *Node {
	n := &Node{
		replica:  replica,
		config:   config.Sync,
		settings: DefaultSettings(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		links:    make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.config.Interval <= 0 {
		n.config.Interval = types.DefaultSyncInterval
	}
	n.auth = authenticator{
		secret: []byte(config.Token),
		appID:  config.AppID,
		now:    n.clock.Now,
	}
	n.upgrader = websocket.Upgrader{HandshakeTimeout: n.settings.WriteTimeout}
	return n
}

// Start opens the listener, if configured, and begins dialing peers. It
// does not call into the replica before returning. Starting a running node
// is a no-op.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	if n.config.Listen != "" {
		ln, err := net.Listen("tcp", n.config.Listen)
		if err != nil {
			cancel()
			return fmt.Errorf("listening on %s: %w", n.config.Listen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(SyncPath, n.handleSync)
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: n.settings.WriteTimeout}

		n.listener = ln
		n.server = srv
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("sync endpoint stopped", "addr", ln.Addr().String(), "error", err)
			}
		}()
		n.logger.Info("sync endpoint listening", "addr", ln.Addr().String())
	}

	for _, peer := range n.config.Peers {
		n.wg.Add(1)
		go n.dialLoop(ctx, peer)
	}

	n.ctx = ctx
	n.cancel = cancel
	n.running = true
	return nil
}

// Stop closes the listener and every link and waits for their goroutines.
// Idempotent.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancel
	srv := n.server
	n.server = nil
	n.listener = nil
	links := make([]*websocket.Conn, 0, len(n.links))
	for conn := range n.links {
		links = append(links, conn)
	}
	n.mu.Unlock()

	cancel()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	// Hijacked connections are not closed by the server.
	for _, conn := range links {
		conn.Close()
	}
	n.wg.Wait()
	return err
}

// Running reports whether the node was started and not stopped.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Addr returns the listener address, or "" when not listening.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// track registers conn as a live link. It fails once Stop has begun, so
// every tracked link is counted before Stop waits.
func (n *Node) track(conn *websocket.Conn) (context.Context, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil, false
	}
	n.links[conn] = struct{}{}
	n.wg.Add(1)
	return n.ctx, true
}

func (n *Node) untrack(conn *websocket.Conn) {
	n.mu.Lock()
	delete(n.links, conn)
	n.mu.Unlock()
	n.wg.Done()
}

func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	site, err := n.auth.verify(r)
	if err != nil {
		n.logger.Warn("rejecting peer", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		n.logger.Debug("upgrading peer link", "remote", r.RemoteAddr, "error", err)
		return
	}
	ctx, ok := n.track(conn)
	if !ok {
		conn.Close()
		return
	}
	defer n.untrack(conn)

	err = n.runLink(ctx, conn, site)
	n.logger.Debug("peer link closed", "remote", r.RemoteAddr, "error", err)
}

// dialLoop keeps one outbound link to url open until ctx is done,
// reconnecting after ReconnectDelay.
func (n *Node) dialLoop(ctx context.Context, url string) {
	defer n.wg.Done()

	dialer := websocket.Dialer{HandshakeTimeout: n.settings.WriteTimeout}
	for {
		if err := n.dialOnce(ctx, &dialer, url); err != nil && ctx.Err() == nil {
			n.logger.Info("peer link failed", "peer", url, "error", err)
		}
		if !n.sleep(ctx, n.settings.ReconnectDelay) {
			return
		}
	}
}

func (n *Node) dialOnce(ctx context.Context, dialer *websocket.Dialer, url string) error {
	header, err := n.auth.header(n.replica.SiteID())
	if err != nil {
		return err
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("dialing %s: %w", url, ErrUnauthorized)
		}
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	linkCtx, ok := n.track(conn)
	if !ok {
		conn.Close()
		return nil
	}
	defer n.untrack(conn)
	return n.runLink(linkCtx, conn, "")
}

// sleep waits d on the node clock. It returns false if ctx ended first.
func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := n.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	}
}
