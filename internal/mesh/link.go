package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// linkBufferSize bounds frames queued between a link's goroutines.
const linkBufferSize = 16

var (
	// ErrSelfLink is returned when a peer announces this replica's own site.
	ErrSelfLink = errors.New("peer is this replica")
	// ErrProtocol is returned when a peer sends frames out of order.
	ErrProtocol = errors.New("peer protocol violation")
)

// link is one open websocket between two replicas. The run goroutine owns
// every field except conn, which the reader and writer goroutines share.
type link struct {
	node    *Node
	conn    *websocket.Conn
	claimed string
	remote  string
	pulling bool
	out     chan []byte
}

// runLink exchanges changes over conn until ctx ends or the connection
// fails. claimed is the authenticated site of an inbound peer, empty for
// outbound links.
func (n *Node) runLink(parent context.Context, conn *websocket.Conn, claimed string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	l := &link{
		node:    n,
		conn:    conn,
		claimed: claimed,
		out:     make(chan []byte, linkBufferSize),
	}
	in := make(chan Frame, linkBufferSize)
	errc := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		errc <- l.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errc <- l.readLoop(ctx, in)
	}()
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	hello := Frame{Kind: KindHello, Hello: &Hello{Site: n.replica.SiteID()}}
	if err := l.send(ctx, hello); err != nil {
		return err
	}

	ticker := n.clock.NewTicker(n.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			select {
			case err := <-errc:
				if err != nil {
					return err
				}
			default:
			}
			return ctx.Err()
		case f := <-in:
			if err := l.handle(ctx, f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := l.pull(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *link) send(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f, l.node.config.Compress)
	if err != nil {
		return err
	}
	select {
	case l.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer on conn. An empty binary message is a ping.
func (l *link) writeLoop(ctx context.Context) error {
	ping := l.node.clock.NewTicker(l.node.settings.PingInterval)
	defer ping.Stop()

	for {
		var msg []byte
		select {
		case <-ctx.Done():
			return nil
		case msg = <-l.out:
		case <-ping.C:
			msg = []byte{}
		}
		l.conn.SetWriteDeadline(time.Now().Add(l.node.settings.WriteTimeout))
		if err := l.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			// A websocket write deadline cannot be recovered from.
			return fmt.Errorf("writing frame: %w", err)
		}
	}
}

func (l *link) readLoop(ctx context.Context, in chan<- Frame) error {
	for {
		l.conn.SetReadDeadline(time.Now().Add(l.node.settings.ReadTimeout))
		messageType, message, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}

		f, err := DecodeFrame(message)
		if err != nil {
			l.node.logger.Warn("dropping undecodable frame", "peer", l.remote, "error", err)
			continue
		}
		select {
		case in <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *link) handle(ctx context.Context, f Frame) error {
	switch f.Kind {
	case KindHello:
		return l.handleHello(ctx, f.Hello)
	case KindPull:
		return l.handlePull(ctx, f.Pull)
	case KindBatch:
		return l.handleBatch(ctx, f.Batch)
	}
	return fmt.Errorf("%w: unexpected %s frame", ErrProtocol, f.Kind)
}

func (l *link) handleHello(ctx context.Context, h *Hello) error {
	if l.remote != "" {
		return fmt.Errorf("%w: second hello", ErrProtocol)
	}
	switch {
	case h.Site == "":
		return fmt.Errorf("%w: hello without site", ErrProtocol)
	case h.Site == l.node.replica.SiteID():
		return ErrSelfLink
	case l.claimed != "" && h.Site != l.claimed:
		return fmt.Errorf("%w: hello from %s, token for %s", ErrUnauthorized, h.Site, l.claimed)
	}
	l.remote = h.Site
	l.node.logger.Info("peer linked", "peer", l.remote)
	return l.pull(ctx)
}

// handlePull answers with changes in the collections the peer asked for.
// A pull naming no collections gets an empty batch.
func (l *link) handlePull(ctx context.Context, p *Pull) error {
	if l.remote == "" {
		return fmt.Errorf("%w: pull before hello", ErrProtocol)
	}

	batch := &Batch{Last: p.After}
	if len(p.Collections) > 0 {
		limit := l.node.settings.BatchLimit
		if p.Limit > 0 && (limit <= 0 || p.Limit < limit) {
			limit = p.Limit
		}
		changes, last, err := l.node.replica.ChangesSince(ctx, p.After, p.Collections, limit)
		if err != nil {
			return fmt.Errorf("reading changes for %s: %w", l.remote, err)
		}
		batch.Changes = changes
		batch.Last = last
		// Another pull confirms the log is exhausted.
		batch.More = last > p.After
	}
	return l.send(ctx, Frame{Kind: KindBatch, Batch: batch})
}

func (l *link) handleBatch(ctx context.Context, b *Batch) error {
	if l.remote == "" {
		return fmt.Errorf("%w: batch before hello", ErrProtocol)
	}
	l.pulling = false

	applied, err := l.node.replica.ApplyRemote(ctx, b.Changes)
	if err != nil {
		return fmt.Errorf("applying changes from %s: %w", l.remote, err)
	}
	if err := l.node.replica.SetCursor(ctx, l.remote, b.Last); err != nil {
		return err
	}
	if applied > 0 {
		l.node.logger.Debug("merged peer changes", "peer", l.remote, "applied", applied, "cursor", b.Last)
	}
	if b.More {
		return l.pull(ctx)
	}
	return nil
}

// pull requests the peer's changes after the stored cursor. At most one pull
// is in flight per link, and nothing is pulled without local interest.
func (l *link) pull(ctx context.Context) error {
	if l.remote == "" || l.pulling {
		return nil
	}
	collections := l.node.replica.Interests()
	if len(collections) == 0 {
		return nil
	}
	cursor, err := l.node.replica.Cursor(ctx, l.remote)
	if err != nil {
		return err
	}
	l.pulling = true
	return l.send(ctx, Frame{
		Kind: KindPull,
		Pull: &Pull{After: cursor, Collections: collections, Limit: l.node.settings.BatchLimit},
	})
}
