package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/tally/internal/buildinfo"
	"github.com/nugget/tally/internal/config"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
)

// SessionLister reports the live sessions. [conversation.MemoryStore]
// implements it.
type SessionLister interface {
	Sessions() []conversation.Summary
}

// Info is the retained identity payload published on connect.
type Info struct {
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Started    string `json:"started"`
}

// Publisher manages the MQTT connection, forwards bus events, and
// refreshes retained state topics on a timer.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	sessions   SessionLister
	usage      *DailyUsage
	logger     *slog.Logger
	started    time.Time
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, sessions SessionLister, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "tally"
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		sessions:   sessions,
		usage:      NewDailyUsage(nil),
		logger:     logger.With("component", "mqtt"),
		started:    time.Now(),
	}
}

// Usage returns the daily counters fed by forwarded events.
func (p *Publisher) Usage() *DailyUsage {
	return p.usage
}

// Start connects to the MQTT broker and forwards events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishInfo(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and closes the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) clientID() string {
	id := p.cfg.ClientID
	if p.instanceID != "" {
		id += "-" + p.instanceID[:min(8, len(p.instanceID))]
	}
	return id
}

func (p *Publisher) baseTopic() string {
	return strings.TrimRight(p.cfg.TopicPrefix, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) infoTopic() string {
	return p.baseTopic() + "/info"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/state/" + entity
}

// --- Payloads ---

func (p *Publisher) info() Info {
	return Info{
		InstanceID: p.instanceID,
		Version:    buildinfo.Version,
		Commit:     buildinfo.GitCommit,
		Started:    p.started.UTC().Format(time.RFC3339),
	}
}

func eventPayload(e events.Event) ([]byte, error) {
	return json.Marshal(e)
}

// states returns the retained state topic values keyed by entity.
func (p *Publisher) states() map[string]string {
	u := p.usage.Snapshot()
	states := map[string]string{
		"uptime":                buildinfo.Uptime().String(),
		"version":               buildinfo.Version,
		"runs_today":            strconv.FormatInt(u.Runs, 10),
		"reasoning_calls_today": strconv.FormatInt(u.ReasoningCalls, 10),
		"tool_calls_today":      strconv.FormatInt(u.ToolCalls, 10),
		"ceiling_hits_today":    strconv.FormatInt(u.CeilingHits, 10),
		"errors_today":          strconv.FormatInt(u.Errors, 10),
		"last_run":              "never",
	}
	if !u.LastRun.IsZero() {
		states["last_run"] = u.LastRun.Format(time.RFC3339)
	}
	if p.sessions != nil {
		states["sessions"] = strconv.Itoa(len(p.sessions.Sessions()))
	}
	return states
}

// --- Publishing ---

func (p *Publisher) publishInfo(ctx context.Context, cm *autopaho.ConnectionManager) {
	payload, err := json.Marshal(p.info())
	if err != nil {
		p.logger.Error("mqtt marshal info payload", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.infoTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt info publish failed", "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// runLoop forwards bus events and refreshes state until ctx is done.
func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var ch <-chan events.Event
	if p.bus != nil {
		ch = p.bus.Subscribe(256)
		defer p.bus.Unsubscribe(ch)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			p.usage.Observe(e)
			p.publishEvent(ctx, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := eventPayload(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt states published", "entities", len(states))
}
