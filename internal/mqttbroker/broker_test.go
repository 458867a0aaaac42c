package mqttbroker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connect(t *testing.T, b *Broker, clientID string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", b.Addr().String())).
		SetClientID(clientID).
		SetConnectTimeout(2 * time.Second).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("connect %s: %v", clientID, token.Error())
	}
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"gps/truck7/position", "gps/truck7/position", true},
		{"gps/+/position", "gps/truck7/position", true},
		{"gps/+/position", "gps/truck7/status", false},
		{"gps/#", "gps/truck7/status", true},
		{"#", "fleet/ABC1234/sync", true},
		{"gps/+", "gps/truck7/position", false},
		{"gps/truck7/position/extra", "gps/truck7/position", false},
	}
	for _, tt := range tests {
		if got := topicMatches(tt.filter, tt.topic); got != tt.want {
			t.Fatalf("topicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}

	if validFilter("gps/#/position") || validFilter("gps/tr+") || !validFilter("gps/+/position") {
		t.Fatalf("validFilter misclassified a filter")
	}
}

func TestParsePublish_QoS1(t *testing.T) {
	// topic "a/b", packet id 0x0102, payload "hi"
	payload := []byte{0x00, 0x03, 'a', '/', 'b', 0x01, 0x02, 'h', 'i'}
	msg, err := parsePublish(0x32, payload)
	if err != nil {
		t.Fatalf("parsePublish: %v", err)
	}
	if msg.Topic != "a/b" || msg.QoS != 1 || msg.PacketID != 0x0102 || string(msg.Payload) != "hi" {
		t.Fatalf("msg = %#v", msg)
	}

	if _, err := parsePublish(0x34, payload); err == nil {
		t.Fatalf("qos 2 accepted")
	}
}

func TestBroker_QoS1PublishIsAcknowledged(t *testing.T) {
	b := startBroker(t)

	received := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		received <- msg
	})

	client := connect(t, b, "gps-unit")
	token := client.Publish("gps/truck7/position", 1, false, []byte(`{"latitude":1,"longitude":2}`))
	if !token.WaitTimeout(2*time.Second) {
		t.Fatalf("publish was never acknowledged")
	}
	if err := token.Error(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ClientID != "gps-unit" || msg.Topic != "gps/truck7/position" || msg.QoS != 1 {
			t.Fatalf("handler got %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never invoked")
	}
}

func TestBroker_ForwardsToWildcardSubscribers(t *testing.T) {
	b := startBroker(t)

	sub := connect(t, b, "fleet-listener")
	got := make(chan string, 1)
	token := sub.Subscribe("fleet/+/sync", 1, func(_ mqtt.Client, m mqtt.Message) {
		got <- m.Topic() + " " + string(m.Payload())
	})
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe: %v", token.Error())
	}

	pub := connect(t, b, "agent")
	if tok := pub.Publish("fleet/ABC1234/sync", 0, false, []byte("batch")); !tok.WaitTimeout(2 * time.Second) {
		t.Fatalf("publish timed out")
	}

	select {
	case msg := <-got:
		if msg != "fleet/ABC1234/sync batch" {
			t.Fatalf("subscriber got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber never received the publish")
	}

	if err := b.Publish("fleet/XYZ9876/sync", []byte("direct")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "fleet/XYZ9876/sync direct" {
			t.Fatalf("subscriber got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broker publish never delivered")
	}
}

func TestBroker_StopIsIdempotent(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh, err := b.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if b.Addr() == nil {
		t.Fatalf("Addr() nil after Start")
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, open := <-errCh; open {
		t.Fatalf("error channel still open after Stop")
	}
}
