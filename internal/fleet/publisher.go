// Package fleet delivers sync batches to the fleet backend over MQTT.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"optrack/driver-agent/internal/queue"
)

const defaultTimeout = 10 * time.Second

// ErrNotAcknowledged is returned when the broker did not confirm a batch in time.
var ErrNotAcknowledged = errors.New("batch not acknowledged")

// Config describes the fleet broker connection.
type Config struct {
	BrokerURL   string
	TopicPrefix string
	ClientID    string
	Timeout     time.Duration
}

// Envelope is the wire form of one batch.
type Envelope struct {
	Vehicle   string            `json:"vehicle"`
	SentAt    time.Time         `json:"sent_at"`
	Locations []json.RawMessage `json:"locations"`
	Events    []json.RawMessage `json:"events"`
	History   []json.RawMessage `json:"history"`
}

// Publisher submits batches at QoS 1; the PUBACK is the backend acknowledgement.
type Publisher struct {
	cfg     Config
	vehicle func() string
	logger  *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewPublisher creates a publisher. vehicle is consulted on every submit so the topic follows
// the logged-in vehicle. The connection is opened on first use.
func NewPublisher(cfg Config, vehicle func() string, logger *slog.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fleet"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("optrack-agent-%d", time.Now().UnixNano())
	}
	if logger == nil {
		logger = slog.Default()
	}
	if vehicle == nil {
		vehicle = func() string { return "" }
	}
	return &Publisher{cfg: cfg, vehicle: vehicle, logger: logger}
}

// Topic returns the sync topic for a vehicle.
func (p *Publisher) Topic(vehicle string) string {
	vehicle = strings.TrimSpace(vehicle)
	if vehicle == "" {
		vehicle = "unassigned"
	}
	return fmt.Sprintf("%s/%s/sync", strings.TrimSuffix(p.cfg.TopicPrefix, "/"), vehicle)
}

// Submit publishes batch and waits for the broker acknowledgement.
func (p *Publisher) Submit(ctx context.Context, batch queue.Batch) error {
	client, err := p.connect(ctx)
	if err != nil {
		return err
	}

	vehicle := p.vehicle()
	data, err := json.Marshal(Envelope{
		Vehicle:   vehicle,
		SentAt:    time.Now().UTC(),
		Locations: nonNil(batch.Locations),
		Events:    nonNil(batch.Events),
		History:   nonNil(batch.History),
	})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	topic := p.Topic(vehicle)
	token := client.Publish(topic, 1, false, data)
	if err := p.wait(ctx, token); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Info("batch delivered", "topic", topic, "records", batch.Len(), "bytes", len(data))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}

func (p *Publisher) connect(ctx context.Context) (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnectionOpen() {
		return p.client, nil
	}
	if p.cfg.BrokerURL == "" {
		return nil, fmt.Errorf("fleet broker url not configured")
	}

	if p.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(p.cfg.BrokerURL).
			SetClientID(p.cfg.ClientID).
			SetConnectTimeout(p.cfg.Timeout).
			SetAutoReconnect(true).
			SetOrderMatters(false)
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.logger.Warn("fleet broker connection lost", "error", err)
		})
		p.client = mqtt.NewClient(opts)
	}

	if err := p.wait(ctx, p.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect fleet broker: %w", err)
	}
	p.logger.Info("connected to fleet broker", "broker", p.cfg.BrokerURL, "client", p.cfg.ClientID)
	return p.client, nil
}

func (p *Publisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotAcknowledged
	}
}

func nonNil(s []json.RawMessage) []json.RawMessage {
	if s == nil {
		return []json.RawMessage{}
	}
	return s
}
