// Command echo-server is a minimal demo harness for package peer: it starts
// a listener, logs every connection lifecycle event, and echoes each
// application payload back to its sender. Grounded on the teacher's
// core/main.go (config loading, signal-driven graceful shutdown) and
// source/server/server.go (the listen/update loop architecture the peer
// manager itself now owns).
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/go-raknet-core/config"
	"github.com/ventosilenzioso/go-raknet-core/events"
	"github.com/ventosilenzioso/go-raknet-core/logging"
	"github.com/ventosilenzioso/go-raknet-core/peer"
	"github.com/ventosilenzioso/go-raknet-core/reliability"
	"github.com/ventosilenzioso/go-raknet-core/wire"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults built in if omitted)")
	port := flag.Int("port", 7777, "UDP port to bind")
	flag.Parse()

	log := logging.Default()
	log.WithField("version", version).Info("starting echo-server")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}
	log.WithFields(logrus.Fields{
		"maxConnections": cfg.MaxConnections,
		"mtu":            cfg.MTU,
		"port":           *port,
	}).Info("configuration loaded")

	mgr := peer.New(cfg)
	if err := mgr.Startup(cfg.MaxConnections, *port); err != nil {
		log.WithError(err).Fatal("failed to start peer manager")
	}
	log.WithField("addr", mgr.LocalAddr().String()).Info("listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go pumpEvents(mgr, log, done)

	<-sigChan
	log.Warn("received shutdown signal")
	close(done)
	mgr.Shutdown(2 * time.Second)
	log.Info("echo-server stopped")
}

// pumpEvents drains the manager's receive queue, logging lifecycle events and
// echoing application payloads back to their sender.
func pumpEvents(mgr *peer.Manager, log *logrus.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for {
				ev, ok := mgr.Receive()
				if !ok {
					break
				}
				handleEvent(mgr, log, ev)
			}
		}
	}
}

func handleEvent(mgr *peer.Manager, log *logrus.Logger, ev events.Event) {
	entry := log.WithField("kind", ev.Kind.String())
	if ev.Addr != nil {
		entry = entry.WithField("addr", ev.Addr.String())
	}

	switch ev.Kind {
	case events.ApplicationMessage:
		entry.WithField("bytes", len(ev.Message)).Info("echoing payload")
		echoBack(mgr, ev.Addr, ev.Message, log)
	case events.NewIncomingConnection, events.ConnectionRequestAccepted:
		entry.Info("peer connected")
	case events.DisconnectionNotification, events.ConnectionLost:
		entry.Info("peer disconnected")
	case events.AlreadyConnected, events.NoFreeIncomingConnections, events.ConnectionAttemptFailed, events.InvalidPassword:
		entry.Warn("connection attempt rejected")
	case events.ReceiptLoss:
		entry.WithField("receiptId", ev.ReceiptID).Warn("send lost")
	case events.ReceiptAcked:
		entry.WithField("receiptId", ev.ReceiptID).Debug("send acknowledged")
	default:
		entry.Debug("event")
	}
}

func echoBack(mgr *peer.Manager, addr *net.UDPAddr, payload []byte, log *logrus.Logger) {
	if addr == nil {
		return
	}
	if err := mgr.Send(payload, reliability.Immediate, wire.ReliableOrdered, 0, addr, 0); err != nil {
		log.WithError(err).WithField("addr", addr.String()).Warn("echo send failed")
	}
}
