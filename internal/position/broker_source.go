package position

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"optrack/driver-agent/internal/model"
	"optrack/driver-agent/internal/mqttbroker"
)

// DefaultTimeout is how long the source waits for a fix before reporting ErrTimeout.
const DefaultTimeout = 10 * time.Second

// Topic layout of the GPS feed.
const (
	TopicPrefix  = "gps/"
	positionLeaf = "position"
	statusLeaf   = "status"
)

// PositionTopic returns the topic a GPS unit publishes fixes to.
func PositionTopic(device string) string {
	return TopicPrefix + device + "/" + positionLeaf
}

// StatusTopic returns the topic a GPS unit reports its own failures on.
func StatusTopic(device string) string {
	return TopicPrefix + device + "/" + statusLeaf
}

// BrokerSource turns publishes received by the embedded MQTT broker into raw positions.
type BrokerSource struct {
	logger  *slog.Logger
	device  string
	timeout time.Duration
	now     func() time.Time

	mu         sync.Mutex
	running    bool
	onPosition func(model.RawPosition)
	onError    func(error)
	watchdog   *time.Timer
	gen        uint64
}

// NewBrokerSource creates a source. A non-empty device restricts the feed to that unit; a
// non-positive timeout uses DefaultTimeout.
func NewBrokerSource(logger *slog.Logger, device string, timeout time.Duration) *BrokerSource {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BrokerSource{logger: logger, device: device, timeout: timeout, now: time.Now}
}

// Start subscribes the callbacks and arms the no-fix watchdog. Starting a running source
// only replaces the callbacks.
func (s *BrokerSource) Start(onPosition func(model.RawPosition), onError func(error)) error {
	if onPosition == nil {
		return fmt.Errorf("position callback required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.onPosition = onPosition
	s.onError = onError
	if !s.running {
		s.running = true
		s.armLocked()
		s.logger.Info("gps feed subscribed", "device", s.device, "timeout", s.timeout)
	}
	return nil
}

// Stop detaches the callbacks. Safe to call at any time.
func (s *BrokerSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("gps feed unsubscribed")
	}
	s.running = false
	s.onPosition = nil
	s.onError = nil
	s.disarmLocked()
}

// Running reports whether the source is started.
func (s *BrokerSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// HandlePublish is installed as, or called from, the broker publish handler. It reports
// whether the message belonged to the GPS feed.
func (s *BrokerSource) HandlePublish(_ context.Context, msg mqttbroker.PublishMessage) bool {
	device, leaf, ok := splitTopic(msg.Topic)
	if !ok {
		return false
	}
	if s.device != "" && device != s.device {
		s.logger.Debug("ignoring gps unit", "device", device)
		return true
	}

	switch leaf {
	case positionLeaf:
		raw, err := decodePosition(msg.Payload, s.now)
		if err != nil {
			s.logger.Warn("gps payload decode failed", "topic", msg.Topic, "error", err)
			return true
		}
		if raw.DeviceID == "" {
			raw.DeviceID = device
		}
		s.deliver(raw)
	case statusLeaf:
		if err := decodeStatus(msg.Payload); err != nil {
			s.fail(err)
		}
	}
	return true
}

func (s *BrokerSource) deliver(raw model.RawPosition) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.armLocked()
	fn := s.onPosition
	s.mu.Unlock()

	fn(raw)
}

// fail reports err once and detaches until the next Start.
func (s *BrokerSource) fail(err error) {
	s.mu.Lock()
	fn, ok := s.detachLocked()
	s.mu.Unlock()
	if ok {
		s.report(fn, err)
	}
}

func (s *BrokerSource) detachLocked() (func(error), bool) {
	if !s.running {
		return nil, false
	}
	fn := s.onError
	s.running = false
	s.onPosition = nil
	s.onError = nil
	s.disarmLocked()
	return fn, true
}

func (s *BrokerSource) report(fn func(error), err error) {
	s.logger.Warn("gps feed error", "error", err)
	if fn != nil {
		fn(err)
	}
}

func (s *BrokerSource) armLocked() {
	s.disarmLocked()
	gen := s.gen
	s.watchdog = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		fn, ok := s.detachLocked()
		s.mu.Unlock()
		if ok {
			s.report(fn, &LocationError{Err: ErrTimeout})
		}
	})
}

func (s *BrokerSource) disarmLocked() {
	s.gen++
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func splitTopic(topic string) (device, leaf string, ok bool) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(topic, TopicPrefix), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	switch parts[1] {
	case positionLeaf, statusLeaf:
		return parts[0], parts[1], true
	}
	return "", "", false
}

type positionPayload struct {
	DeviceID  string          `json:"device_id"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Accuracy  float64         `json:"accuracy"`
	Heading   *float64        `json:"heading"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func decodePosition(payload []byte, now func() time.Time) (model.RawPosition, error) {
	var p positionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.RawPosition{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Latitude == nil || p.Longitude == nil {
		return model.RawPosition{}, fmt.Errorf("missing coordinates")
	}
	if *p.Latitude < -90 || *p.Latitude > 90 || *p.Longitude < -180 || *p.Longitude > 180 {
		return model.RawPosition{}, fmt.Errorf("coordinates out of range (%f, %f)", *p.Latitude, *p.Longitude)
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return model.RawPosition{}, err
	}
	if ts.IsZero() {
		ts = now()
	}

	return model.RawPosition{
		DeviceID: p.DeviceID,
		Location: model.Location{
			Latitude:  *p.Latitude,
			Longitude: *p.Longitude,
			Accuracy:  p.Accuracy,
			Timestamp: ts.UTC(),
			Heading:   p.Heading,
		},
	}, nil
}

// parseTimestamp accepts an RFC 3339 string or epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("decode timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
		}
		return ts, nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

type statusPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// decodeStatus maps a unit status report to a LocationError, or nil when the unit is healthy.
func decodeStatus(payload []byte) error {
	var st statusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil
	}

	var kind error
	switch strings.ToLower(strings.TrimSpace(st.Error)) {
	case "":
		return nil
	case "unsupported":
		kind = ErrUnsupported
	case "permission_denied", "permission-denied":
		kind = ErrPermissionDenied
	case "timeout":
		kind = ErrTimeout
	default:
		kind = fmt.Errorf("%s", st.Error)
	}
	if st.Message != "" {
		kind = fmt.Errorf("%w: %s", kind, st.Message)
	}
	return &LocationError{Err: kind}
}
