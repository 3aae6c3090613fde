package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"invoiceq/internal/constants"
	"invoiceq/internal/metrics"

	"github.com/sirupsen/logrus"
)

// HealthProber is the slice of the upstream client the monitor needs.
type HealthProber interface {
	CheckHealth(ctx context.Context) error
}

// NetworkEvent is delivered once per actual connectivity transition.
type NetworkEvent struct {
	Online bool
	At     time.Time
}

// NetworkMonitor observes upstream reachability by probing the health
// endpoint on an interval. Subscribers get at most one event per transition:
// consecutive probes with the same outcome are collapsed.
type NetworkMonitor struct {
	prober       HealthProber
	interval     time.Duration
	probeTimeout time.Duration
	logger       *logrus.Logger

	mu      sync.RWMutex
	online  bool
	running bool
	subs    []chan NetworkEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkMonitor creates a connectivity monitor. The initial state is
// offline until the first successful probe.
func NewNetworkMonitor(prober HealthProber, interval, probeTimeout time.Duration, logger *logrus.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		prober:       prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Start runs an immediate probe to establish the initial state and then
// begins the background probe loop.
func (nm *NetworkMonitor) Start(ctx context.Context) error {
	nm.mu.Lock()
	if nm.running {
		nm.mu.Unlock()
		return fmt.Errorf("network monitor is already running")
	}
	nm.ctx, nm.cancel = context.WithCancel(ctx)
	nm.running = true
	nm.mu.Unlock()

	nm.probe()

	nm.wg.Add(1)
	go nm.probeLoop()

	nm.logger.WithFields(logrus.Fields{
		"interval": nm.interval,
		"online":   nm.IsOnline(),
	}).Info("Network monitor started")

	return nil
}

// Stop halts the probe loop and closes all subscriptions.
func (nm *NetworkMonitor) Stop() {
	nm.mu.Lock()
	if !nm.running {
		nm.mu.Unlock()
		return
	}
	nm.running = false
	cancel := nm.cancel
	nm.mu.Unlock()

	cancel()
	nm.wg.Wait()

	nm.mu.Lock()
	for _, sub := range nm.subs {
		close(sub)
	}
	nm.subs = nil
	nm.mu.Unlock()

	nm.logger.Info("Network monitor stopped")
}

// IsOnline reports the current connectivity state.
func (nm *NetworkMonitor) IsOnline() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.online
}

// Subscribe returns a channel receiving one event per connectivity
// transition. The channel is buffered; a slow consumer loses older events but
// always sees the latest state eventually because transitions alternate.
func (nm *NetworkMonitor) Subscribe() <-chan NetworkEvent {
	ch := make(chan NetworkEvent, constants.NetworkEventBufferSize)
	nm.mu.Lock()
	nm.subs = append(nm.subs, ch)
	nm.mu.Unlock()
	return ch
}

func (nm *NetworkMonitor) probeLoop() {
	defer nm.wg.Done()

	ticker := time.NewTicker(nm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-nm.ctx.Done():
			return
		case <-ticker.C:
			nm.probe()
		}
	}
}

func (nm *NetworkMonitor) probe() {
	ctx, cancel := context.WithTimeout(nm.ctx, nm.probeTimeout)
	defer cancel()

	err := nm.prober.CheckHealth(ctx)
	nm.setOnline(err == nil)
	if err != nil {
		nm.logger.WithError(err).Debug("Connectivity probe failed")
	}
}

// setOnline records the probe outcome and notifies subscribers only when the
// state actually flipped.
func (nm *NetworkMonitor) setOnline(online bool) {
	nm.mu.Lock()
	if nm.online == online {
		nm.mu.Unlock()
		return
	}
	nm.online = online
	subs := make([]chan NetworkEvent, len(nm.subs))
	copy(subs, nm.subs)
	nm.mu.Unlock()

	event := NetworkEvent{Online: online, At: time.Now()}
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			// Buffer full; the subscriber is behind and will catch up on the
			// next transition.
		}
	}

	gauge := 0.0
	if online {
		gauge = 1.0
	}
	metrics.SetGauge("upstream_online", gauge, nil, "Upstream API reachability")

	if online {
		nm.logger.Info("Upstream connectivity restored")
	} else {
		nm.logger.Warn("Upstream connectivity lost")
	}
}
