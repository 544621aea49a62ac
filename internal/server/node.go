package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"v2x_node/internal/channel"
	"v2x_node/internal/config"
	"v2x_node/internal/dataType"
	"v2x_node/internal/utils"
)

const peerGCInterval = time.Second

// Node is one participant: a transmitter and a receiver sharing a
// multicast channel and an identity.
type Node struct {
	id      string
	cfg     *config.MainConfig
	logger  *zap.Logger
	metrics *Metrics
	channel *channel.Multicast
	peers   *dataType.PeerTable

	tx *Transmitter
	rx *Receiver

	statusLn  net.Listener
	statusSrv *http.Server
}

// NewNode opens the channel and wires the loops. Extra sinks receive every
// beacon from other nodes after the peer table and the log.
func NewNode(ctx context.Context, cfg *config.MainConfig, logger *zap.Logger, sinks ...Sink) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.EnsureNodeID()

	peers, err := dataType.NewPeerTable(cfg.MaxPeers, cfg.PeerExpiry)
	if err != nil {
		return nil, err
	}

	ch, err := channel.Open(ctx, channel.Options{
		Group:      net.ParseIP(cfg.MulticastGroup),
		Port:       cfg.Port,
		TTL:        cfg.TTL,
		Interface:  cfg.Interface,
		RecvBuffer: cfg.RecvBuffer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open multicast channel: %w", err)
	}

	metrics := NewMetrics(id)
	metrics.RegisterPeers(id, peers.Len)

	sink := append(MultiSink{NewPeerSink(peers, logger), NewLogSink(logger)}, sinks...)

	n := &Node{
		id:      id,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		channel: ch,
		peers:   peers,
		tx:      NewTransmitter(id, cfg.Interval(), ch, utils.SyntheticPosition{}, logger, metrics),
		rx:      NewReceiver(id, ch, sink, logger, metrics),
	}

	if cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("status listener on %s: %w", cfg.StatusAddr, err)
		}
		n.statusLn = ln
		n.statusSrv = &http.Server{
			Handler:           NewStatusHandler(id, peers, metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return n, nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) Peers() *dataType.PeerTable { return n.peers }

func (n *Node) Metrics() *Metrics { return n.metrics }

// StatusAddr is the bound status address, or nil when disabled.
func (n *Node) StatusAddr() net.Addr {
	if n.statusLn == nil {
		return nil
	}
	return n.statusLn.Addr()
}

// Close releases the channel and the status listener of a node that was
// never run. Run does this itself on return.
func (n *Node) Close() error {
	var errs []error
	if n.statusLn != nil {
		if err := n.statusLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, n.channel.Close())
	return errors.Join(errs...)
}

// Run blocks until ctx is cancelled or a loop fails for good. On return the
// channel and the status listener are closed.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("multicast node starting",
		zap.Stringer("group", n.channel.Group()),
		zap.Float64("rate", float64(n.cfg.Rate)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.tx.Run(gctx) })
	g.Go(func() error { return n.rx.Run(gctx) })
	g.Go(func() error {
		dataType.StartPeerTableGC(n.peers, peerGCInterval, gctx.Done())
		return nil
	})
	if n.statusSrv != nil {
		g.Go(func() error {
			n.logger.Info("status server listening", zap.Stringer("addr", n.statusLn.Addr()))
			// The beacon loops keep running without the status server.
			if err := n.statusSrv.Serve(n.statusLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("status server failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		var errs []error
		if n.statusSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			errs = append(errs, n.statusSrv.Shutdown(shutdownCtx))
			cancel()
		}
		// Closing the channel is what unblocks the receiver.
		errs = append(errs, n.channel.Close())
		return errors.Join(errs...)
	})

	err := g.Wait()
	n.logger.Info("multicast node stopped", zap.Error(err))
	return err
}
