// DotChat - conversational backend with bounded context
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotChat contributors

package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

// Manager owns the configured channels and delivers outbound replies to them.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	config   *config.Config

	mu             sync.RWMutex
	stopDispatch   context.CancelFunc
	dispatcherDone chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		config:   cfg,
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

// initChannels builds the configured channels. Running with none is valid:
// the HTTP API and CLI reach the conversation without the bus.
func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	discordCfg := m.config.Channels.Discord
	if discordCfg.Enabled {
		if strings.TrimSpace(discordCfg.Token) == "" {
			return fmt.Errorf("channels.discord.token is required")
		}
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		discord, err := NewDiscordChannel(discordCfg, m.bus)
		if err != nil {
			return fmt.Errorf("initialize Discord channel: %w", err)
		}
		m.channels[discord.Name()] = discord
		logger.InfoC("channels", "Discord channel initialized successfully")
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})

	return nil
}

// StartAll starts every channel, or none: a failure stops the ones already
// started. On success the outbound dispatcher runs until StopAll or ctx ends.
func (m *Manager) StartAll(ctx context.Context) error {
	m.stopDispatcher()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")

	started := make([]Channel, 0, len(m.channels))
	var startErrs []error
	for name, channel := range m.channels {
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			startErrs = append(startErrs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started = append(started, channel)
	}

	if len(startErrs) > 0 {
		for _, channel := range started {
			if err := channel.Stop(ctx); err != nil {
				logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
					"channel": channel.Name(),
					"error":   err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start channels: %w", errors.Join(startErrs...))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.stopDispatch = cancel
	m.dispatcherDone = done
	go func() {
		defer close(done)
		m.dispatchOutbound(dispatchCtx)
	}()

	logger.InfoCF("channels", "All channels started", map[string]interface{}{
		"count": len(started),
	})
	return nil
}

// StopAll stops the dispatcher, waits for it to exit, then stops each channel.
func (m *Manager) StopAll(ctx context.Context) error {
	logger.InfoC("channels", "Stopping all channels")
	m.stopDispatcher()

	m.mu.Lock()
	defer m.mu.Unlock()

	var stopErrs []error
	for name, channel := range m.channels {
		if !channel.IsRunning() {
			continue
		}
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			stopErrs = append(stopErrs, fmt.Errorf("%s: %w", name, err))
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return errors.Join(stopErrs...)
}

// stopDispatcher must not hold mu while waiting: the dispatcher takes the
// read lock on every message.
func (m *Manager) stopDispatcher() {
	m.mu.Lock()
	cancel, done := m.stopDispatch, m.dispatcherDone
	m.stopDispatch, m.dispatcherDone = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.InfoC("channels", "Outbound dispatcher started")
	defer logger.InfoC("channels", "Outbound dispatcher stopped")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			// Cancelled context or closed bus.
			return
		}

		channel, exists := m.lookup(msg.Channel)
		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) lookup(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus reports each channel's running state, keyed by name.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{}, len(m.channels))
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns channel names in sorted order.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}
