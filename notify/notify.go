// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notify renders notifications and fans them out to the configured
// channels. Delivery is best-effort and fail-isolated: one channel erroring
// or tripping its breaker never blocks the others, and failures are logged
// and counted rather than returned to lifecycle callers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/pkg/interfaces"
	"github.com/soothill/fleetwatch/pkg/logger"
	"github.com/soothill/fleetwatch/pkg/metrics"
)

// DefaultSendTimeout bounds a single channel delivery.
const DefaultSendTimeout = 10 * time.Second

// Sender delivers one rendered notification over a single channel.
type Sender interface {
	Send(ctx context.Context, ch *model.NotificationChannel, n model.Notification) error
}

// Service routes notifications to channels. It implements
// interfaces.Dispatcher.
type Service struct {
	channels    interfaces.ChannelStore
	senders     map[model.ChannelType]Sender
	sendTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewService builds a dispatcher with the standard channel adapters.
func NewService(channels interfaces.ChannelStore) *Service {
	return &Service{
		channels: channels,
		senders: map[model.ChannelType]Sender{
			model.ChannelSlack:    NewSlackSender(),
			model.ChannelWebhook:  NewWebhookSender(),
			model.ChannelEmail:    NewEmailSender(),
			model.ChannelSMS:      stubSender{kind: model.ChannelSMS},
			model.ChannelWhatsApp: stubSender{kind: model.ChannelWhatsApp},
			model.ChannelCallAPI:  stubSender{kind: model.ChannelCallAPI},
		},
		sendTimeout: DefaultSendTimeout,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// SetSendTimeout overrides the per-delivery timeout.
func (s *Service) SetSendTimeout(d time.Duration) {
	if d > 0 {
		s.sendTimeout = d
	}
}

// SetSender swaps the adapter for a channel type. Tests use this to record
// deliveries.
func (s *Service) SetSender(t model.ChannelType, sender Sender) {
	s.senders[t] = sender
}

// Dispatch selects the matching channels and delivers to each in parallel.
// It returns once every delivery attempt has finished or timed out.
func (s *Service) Dispatch(ctx context.Context, n model.Notification) {
	all, err := s.channels.ListChannels(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list notification channels")
		return
	}

	targets := selectChannels(all, n)
	if len(targets) == 0 {
		logger.Debug().
			Str("kind", string(n.Kind)).
			Str("alert_type", string(n.AlertType)).
			Msg("No channel accepts notification")
		return
	}

	var wg sync.WaitGroup
	for _, ch := range targets {
		wg.Add(1)
		go func(ch *model.NotificationChannel) {
			defer wg.Done()
			s.deliver(ctx, ch, n)
		}(ch)
	}
	wg.Wait()
}

func (s *Service) deliver(ctx context.Context, ch *model.NotificationChannel, n model.Notification) {
	sender, ok := s.senders[ch.Type]
	if !ok {
		logger.Warn().Str("channel", ch.Name).Str("type", string(ch.Type)).Msg("Unknown channel type")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	_, err := s.breaker(ch).Execute(func() (interface{}, error) {
		return nil, sender.Send(sendCtx, ch, n)
	})
	if err != nil {
		metrics.NotificationErrors.WithLabelValues(string(ch.Type)).Inc()
		logger.Error().Err(err).
			Str("channel", ch.Name).
			Str("type", string(ch.Type)).
			Str("title", n.Title).
			Msg("Notification delivery failed")
		return
	}

	metrics.NotificationsSent.WithLabelValues(string(ch.Type)).Inc()
	logger.Debug().
		Str("channel", ch.Name).
		Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Msg("Notification delivered")
}

// breaker returns the channel's circuit breaker, creating it on first use.
// Five consecutive failures open the breaker for 30 seconds.
func (s *Service) breaker(ch *model.NotificationChannel) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[ch.ID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    ch.Name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("channel", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Notification circuit breaker state change")
		},
	})
	s.breakers[ch.ID] = cb
	return cb
}

// selectChannels applies the routing rules: an explicit ChannelIDs list
// wins; slack-only digests skip non-slack channels; otherwise the channel
// filters decide, falling back to the default channel when nothing matches.
func selectChannels(all []*model.NotificationChannel, n model.Notification) []*model.NotificationChannel {
	if len(n.ChannelIDs) > 0 {
		wanted := make(map[string]bool, len(n.ChannelIDs))
		for _, id := range n.ChannelIDs {
			wanted[id] = true
		}
		var out []*model.NotificationChannel
		for _, ch := range all {
			if ch.Enabled && wanted[ch.ID] {
				out = append(out, ch)
			}
		}
		return out
	}

	if n.SlackOnly {
		var out []*model.NotificationChannel
		for _, ch := range all {
			if ch.Enabled && ch.Type == model.ChannelSlack {
				out = append(out, ch)
			}
		}
		return out
	}

	var out []*model.NotificationChannel
	var fallback *model.NotificationChannel
	for _, ch := range all {
		if !ch.Enabled {
			continue
		}
		if ch.IsDefault {
			fallback = ch
		}
		if ch.AcceptsAlertType(n.AlertType) && ch.AcceptsSeverity(n.Severity) && ch.AcceptsDevice(n.DeviceID) {
			out = append(out, ch)
		}
	}
	if len(out) == 0 && fallback != nil {
		out = append(out, fallback)
	}
	return out
}
