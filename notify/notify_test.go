// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/soothill/fleetwatch/model"
	"github.com/soothill/fleetwatch/storage"
)

// recordingSender captures delivered notifications per channel.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	err   error
	delay time.Duration
}

func (r *recordingSender) Send(_ context.Context, ch *model.NotificationChannel, n model.Notification) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, ch.Name+":"+n.Title)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func slackChannel(id, name string, isDefault bool, alertTypes []string) *model.NotificationChannel {
	return &model.NotificationChannel{
		ID:         id,
		Name:       name,
		Type:       model.ChannelSlack,
		Enabled:    true,
		IsDefault:  isDefault,
		AlertTypes: alertTypes,
		Config:     map[string]string{"webhook_url": "http://example.invalid"},
	}
}

func TestSelectChannels(t *testing.T) {
	def := slackChannel("c1", "default", true, []string{model.AlertTypeAll})
	offlineOnly := slackChannel("c2", "offline-only", false, []string{"offline"})
	critical := slackChannel("c3", "critical", false, []string{model.AlertTypeAll})
	critical.SeverityLevels = []model.Severity{model.SeverityCritical}
	disabled := slackChannel("c4", "disabled", false, []string{model.AlertTypeAll})
	disabled.Enabled = false
	noFilter := slackChannel("c5", "no-filter", false, nil)
	webhook := &model.NotificationChannel{
		ID: "c6", Name: "hook", Type: model.ChannelWebhook, Enabled: true,
		AlertTypes: []string{model.AlertTypeAll},
	}

	all := []*model.NotificationChannel{def, offlineOnly, critical, disabled, noFilter, webhook}

	tests := []struct {
		name string
		n    model.Notification
		want []string
	}{
		{
			name: "offline warning routes to matching channels",
			n:    model.Notification{AlertType: model.AlertOffline, Severity: model.SeverityWarning},
			want: []string{"default", "offline-only", "hook"},
		},
		{
			name: "critical adds severity-filtered channel",
			n:    model.Notification{AlertType: model.AlertOffline, Severity: model.SeverityCritical},
			want: []string{"default", "offline-only", "critical", "hook"},
		},
		{
			name: "empty alert_types filter admits nothing",
			n:    model.Notification{AlertType: model.AlertThreshold, Severity: model.SeverityWarning},
			want: []string{"default", "hook"},
		},
		{
			name: "slack only restricts to slack",
			n:    model.Notification{AlertType: model.AlertOffline, Severity: model.SeverityInfo, SlackOnly: true},
			want: []string{"default", "offline-only", "critical", "no-filter"},
		},
		{
			name: "explicit channel ids win",
			n:    model.Notification{AlertType: model.AlertOffline, ChannelIDs: []string{"c5", "c4"}},
			want: []string{"no-filter"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectChannels(all, tt.n)
			var names []string
			for _, ch := range got {
				names = append(names, ch.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("selectChannels() = %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("selectChannels()[%d] = %s, want %s", i, names[i], tt.want[i])
				}
			}
		})
	}
}

func TestSelectChannels_DefaultFallback(t *testing.T) {
	def := slackChannel("c1", "default", true, []string{"offline"})
	all := []*model.NotificationChannel{def}

	// No filter admits threshold, so the default channel catches it.
	got := selectChannels(all, model.Notification{AlertType: model.AlertThreshold, Severity: model.SeverityWarning})
	if len(got) != 1 || got[0].Name != "default" {
		t.Fatalf("expected fallback to default channel, got %v", got)
	}
}

func TestDispatch_FailIsolation(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.SaveChannel(ctx, slackChannel("c1", "ok-channel", true, []string{model.AlertTypeAll}))
	hook := &model.NotificationChannel{
		ID: "c2", Name: "broken", Type: model.ChannelWebhook, Enabled: true,
		AlertTypes: []string{model.AlertTypeAll},
	}
	_ = store.SaveChannel(ctx, hook)

	svc := NewService(store)
	good := &recordingSender{}
	bad := &recordingSender{err: errors.New("boom")}
	svc.SetSender(model.ChannelSlack, good)
	svc.SetSender(model.ChannelWebhook, bad)

	svc.Dispatch(ctx, model.Notification{
		AlertType: model.AlertOffline,
		Severity:  model.SeverityCritical,
		Title:     "Device Offline: test",
	})

	if good.count() != 1 {
		t.Errorf("healthy channel should deliver despite sibling failure, got %d sends", good.count())
	}
}

func TestDispatch_BreakerOpensAfterFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	_ = store.SaveChannel(ctx, slackChannel("c1", "flaky", true, []string{model.AlertTypeAll}))

	svc := NewService(store)
	bad := &recordingSender{err: errors.New("down")}
	svc.SetSender(model.ChannelSlack, bad)

	for i := 0; i < 6; i++ {
		svc.Dispatch(ctx, model.Notification{AlertType: model.AlertOffline, Title: "t"})
	}

	// After five consecutive failures the breaker is open; a healthy
	// sender still gets no traffic until the breaker times out.
	good := &recordingSender{}
	svc.SetSender(model.ChannelSlack, good)
	svc.Dispatch(ctx, model.Notification{AlertType: model.AlertOffline, Title: "t"})
	if good.count() != 0 {
		t.Errorf("expected open breaker to block delivery, got %d sends", good.count())
	}
}

func TestSlackSender_Payload(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := slackChannel("c1", "slack", true, []string{model.AlertTypeAll})
	ch.Config["webhook_url"] = server.URL

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := NewSlackSender().Send(context.Background(), ch, model.Notification{
		Kind:      model.NotifyInitial,
		Severity:  model.SeverityCritical,
		Title:     "Device Offline: kitchen-pi",
		Message:   "No data for 90s",
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(got.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(got.Attachments))
	}
	att := got.Attachments[0]
	if att.Color != "danger" {
		t.Errorf("critical severity color = %s, want danger", att.Color)
	}
	if att.Ts != ts.Unix() {
		t.Errorf("attachment ts = %d, want %d", att.Ts, ts.Unix())
	}
	if got.Username == "" || got.IconEmoji == "" {
		t.Errorf("expected username and icon_emoji to be set, got %+v", got)
	}
}

func TestSlackSender_RecoveryIsGood(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := slackChannel("c1", "slack", true, []string{model.AlertTypeAll})
	ch.Config["webhook_url"] = server.URL

	err := NewSlackSender().Send(context.Background(), ch, model.Notification{
		Kind:      model.NotifyRecovery,
		Severity:  model.SeverityInfo,
		Title:     "Device Recovery: kitchen-pi",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Attachments[0].Color != "good" {
		t.Errorf("recovery color = %s, want good", got.Attachments[0].Color)
	}
}

func TestWebhookSender_Payload(t *testing.T) {
	var got webhookPayload
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := &model.NotificationChannel{
		ID: "c1", Name: "ops-hook", Type: model.ChannelWebhook, Enabled: true,
		Config: map[string]string{"url": server.URL, "auth_header": "Bearer tok"},
	}

	err := NewWebhookSender().Send(context.Background(), ch, model.Notification{
		Severity:  model.SeverityWarning,
		Title:     "High Latency: pbx-1",
		Message:   "RTT 240ms",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got.Channel != "ops-hook" {
		t.Errorf("payload channel = %s, want ops-hook", got.Channel)
	}
	if got.Severity != "warning" {
		t.Errorf("payload severity = %s, want warning", got.Severity)
	}
	if got.Timestamp != "2025-06-01T12:00:00Z" {
		t.Errorf("payload timestamp = %s", got.Timestamp)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization = %s, want Bearer tok", auth)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := &model.NotificationChannel{
		ID: "c1", Name: "hook", Type: model.ChannelWebhook, Enabled: true,
		Config: map[string]string{"url": server.URL},
	}
	err := NewWebhookSender().Send(context.Background(), ch, model.Notification{Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}
