package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"clipmesh/config"
	"clipmesh/discovery"
	"clipmesh/engine"
	"clipmesh/models"
	"clipmesh/peers"
	"clipmesh/storage"
	"clipmesh/transport"
)

// clockSkewLimit is the largest NTP offset that still leaves headroom
// inside the freshness acceptance window. Peers reject announcements
// stamped more than ten seconds in their future.
const clockSkewLimit = 10 * time.Second

const ntpHost = "pool.ntp.org"

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	identity, created, err := storage.EnsureClusterIdentity(dataDir)
	if err != nil {
		log.Fatalf("startup failed while preparing cluster identity: %v", err)
	}
	if created {
		fmt.Println("Generated a fresh cluster identity for this device.")
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Network Name:    %s\n", color.CyanString(identity.Name))
	fmt.Printf("Network PIN:     %s\n", color.YellowString(identity.Pin))
	fmt.Printf("Config File:     %s\n", config.ConfigPath(dataDir))
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Downloads Dir:   %s\n", cfg.DownloadsDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	registry := peers.NewRegistry(peers.Options{
		LocalID: cfg.DeviceID,
		SaveKnown: func(known map[string]models.Peer) error {
			return storage.SaveKnownPeers(dataDir, known)
		},
		Logger: logger,
	})
	registry.SetIdentity(identity.Key, identity.Name, identity.Pin)

	known, err := storage.LoadKnownPeers(dataDir)
	if err != nil {
		log.Printf("known peers load failed, starting empty: %v", err)
	} else {
		registry.LoadKnown(known)
	}

	trans, err := transport.New(transport.Options{
		ListenPort: cfg.ListenPort,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("startup failed while binding transport: %v", err)
	}
	fmt.Printf("Listening Port:  %d\n", trans.Port())

	var service *discovery.Service

	eng, err := engine.New(engine.Options{
		DeviceID:        cfg.DeviceID,
		Hostname:        cfg.DeviceName,
		DataDir:         dataDir,
		Registry:        registry,
		Transport:       trans,
		Store:           store,
		Notifier:        consoleNotifier{logger: logger},
		Emitter:         consoleEmitter{logger: logger},
		DownloadsDir:    cfg.DownloadsDir,
		HistoryLimit:    cfg.HistoryLimit,
		AutoAcceptFiles: cfg.AutoAcceptFiles,
		Logger:          logger,
		OnNetworkChange: func(networkName string) {
			if service == nil {
				return
			}
			if err := service.Announcer.Update(networkName); err != nil {
				logger.Warn("mdns re-register failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building engine: %v", err)
	}
	// The transport stops first so closed streams unblock engine shutdown.
	defer eng.Stop()
	defer trans.Stop()

	service, err = discovery.Start(discovery.Config{
		SelfDeviceID:  cfg.DeviceID,
		Hostname:      cfg.DeviceName,
		NetworkName:   identity.Name,
		ListeningPort: trans.Port(),
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer service.Stop()
		fmt.Println("Discovery:       running")
	}

	eng.Start()
	if service != nil {
		go forwardDiscoveryEvents(eng, service.Scanner.Events())
	}
	go drainErrors(logger, eng.Errors())
	go drainErrors(logger, trans.Errors())
	go warnOnClockSkew(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Status:          %s\n", color.GreenString("running (press Ctrl+C to stop)"))
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// forwardDiscoveryEvents feeds mDNS sightings into the engine, which
// arbitrates them against the trust tables.
func forwardDiscoveryEvents(eng *engine.Engine, events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			if peer, ok := event.Peer.ToPeer(); ok {
				eng.ObserveDiscovered(peer)
			}
		case discovery.EventPeerRemoved:
			eng.HandleDiscoveryLost(event.Peer.DeviceID)
		}
	}
}

func drainErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("background error", zap.Error(err))
	}
}

// warnOnClockSkew compares the local clock against NTP once at startup.
// Freshness signatures embed wall-clock minutes, so a badly skewed clock
// quietly breaks trust derivation with every peer.
func warnOnClockSkew(logger *zap.Logger) {
	response, err := ntp.Query(ntpHost)
	if err != nil {
		logger.Debug("ntp query failed", zap.Error(err))
		return
	}

	offset := response.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	if offset > clockSkewLimit {
		logger.Warn("system clock skewed against ntp",
			zap.Duration("offset", response.ClockOffset),
			zap.Duration("limit", clockSkewLimit))
	}
}

// consoleNotifier logs notifications a desktop shell would render.
type consoleNotifier struct {
	logger *zap.Logger
}

func (n consoleNotifier) Notify(title, body string) {
	n.logger.Info("notification", zap.String("title", title), zap.String("body", body))
}

// consoleEmitter logs events a frontend would subscribe to.
type consoleEmitter struct {
	logger *zap.Logger
}

func (c consoleEmitter) Emit(event string, payload any) {
	c.logger.Debug("event", zap.String("event", event), zap.Any("payload", payload))
}
