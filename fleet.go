package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"i4.energy/across/modemctl/call"
	"i4.energy/across/modemctl/device"
	"i4.energy/across/modemctl/modem"
)

// Fleet manages the devices behind the discovered serial ports. A port
// that fails to initialise is skipped; one bad modem never blocks the
// rest of the fleet.
type Fleet struct {
	config    *Config
	logger    *slog.Logger
	publisher *Publisher

	mu      sync.RWMutex
	devices map[string]*device.Device
}

func NewFleet(config *Config, logger *slog.Logger, publisher *Publisher) *Fleet {
	return &Fleet{
		config:    config,
		logger:    logger.With("component", "fleet"),
		publisher: publisher,
		devices:   make(map[string]*device.Device),
	}
}

// discoverPorts returns the serial ports to manage: the explicit list
// when configured, otherwise the glob scan results.
func (f *Fleet) discoverPorts() []string {
	if len(f.config.Ports) > 0 {
		return f.config.Ports
	}
	var ports []string
	for _, pattern := range f.config.PortGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			f.logger.Warn("bad port pattern", "pattern", pattern, "error", err)
			continue
		}
		ports = append(ports, matches...)
	}
	sort.Strings(ports)
	if len(ports) > f.config.MaxModems {
		f.logger.Warn("too many ports, truncating",
			"found", len(ports), "max", f.config.MaxModems)
		ports = ports[:f.config.MaxModems]
	}
	return ports
}

// Start discovers ports and brings up a device on each, then runs their
// loops until the context is cancelled. It returns the number of devices
// that came up.
func (f *Fleet) Start(ctx context.Context) int {
	ports := f.discoverPorts()
	f.logger.Info("starting fleet", "ports", len(ports))

	var wg sync.WaitGroup
	started := 0
	for _, port := range ports {
		dev, err := f.bringUp(ctx, port)
		if err != nil {
			f.logger.Error("modem init failed, skipping port", "port", port, "error", err)
			continue
		}

		f.mu.Lock()
		f.devices[dev.ID()] = dev
		f.mu.Unlock()
		started++

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dev.Run(ctx); err != nil {
				f.logger.Error("device stopped", "modem", dev.ID(), "error", err)
			}
		}()
		f.logger.Info("modem up", "port", port, "modem", dev.ID())
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		f.closeAll()
	}()

	return started
}

func (f *Fleet) bringUp(ctx context.Context, port string) (*device.Device, error) {
	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(5 * time.Second).
		WithInitTimeout(30 * time.Second).
		WithSimPIN(f.config.SimPIN).
		WithDialer(modem.SerialDialer{
			PortName: port,
			Mode:     modem.SerialMode(f.config.BaudRate),
		}).
		Build()
	if err != nil {
		return nil, err
	}

	dev, err := device.New(ctx, f.logger, device.Config{Modem: modemConfig})
	if err != nil {
		return nil, err
	}

	id := dev.ID()
	dev.OnCallEvent(func(event call.Event, rec call.Record) {
		f.publisher.CallEvent(id, event, rec)
	})
	dev.OnDTMF(func(ev call.DTMFEvent) {
		f.publisher.DTMF(id, ev)
	})
	dev.OnAlert(f.publisher.Alert)
	return dev, nil
}

// Get returns the device with the given ID.
func (f *Fleet) Get(id string) (*device.Device, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	dev, ok := f.devices[id]
	return dev, ok
}

// All returns the managed devices sorted by ID.
func (f *Fleet) All() []*device.Device {
	f.mu.RLock()
	devices := make([]*device.Device, 0, len(f.devices))
	for _, dev := range f.devices {
		devices = append(devices, dev)
	}
	f.mu.RUnlock()
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })
	return devices
}

func (f *Fleet) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, dev := range f.devices {
		if err := dev.Close(); err != nil {
			f.logger.Error("close failed", "modem", id, "error", err)
		}
	}
}
