package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// DefaultBufferSize is how many at-least-once messages are held while
	// the broker is unreachable.
	DefaultBufferSize = 256
)

// ErrNotConnected is returned for best-effort publishes while the broker is
// unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	Topics     Topics
	BufferSize int
	Logger     *zap.Logger
}

// RealPublisher publishes to an actual MQTT broker and feeds ingress
// subscriptions. Alerts and system events published while disconnected are
// buffered and replayed, in order, once the connection comes back.
type RealPublisher struct {
	client paho.Client
	topics Topics
	logger *zap.Logger

	mu        sync.Mutex
	buf       *ringBuffer
	replaying bool // set while replay owns the buffer
	ingress   *Ingress
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ClientID == "" {
		opts.ClientID = "floor-sensor"
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	p := &RealPublisher{
		topics: opts.Topics.withDefaults(),
		logger: opts.Logger.Named("mqtt"),
	}
	p.buf = newRingBuffer(opts.BufferSize, p.logger)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topics.System, string(will), 1, false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.logger.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// Subscribe attaches an ingress to the connection. Subscriptions are
// restored on every reconnect.
func (p *RealPublisher) Subscribe(in *Ingress) error {
	p.mu.Lock()
	p.ingress = in
	p.mu.Unlock()
	return p.subscribe(in)
}

func (p *RealPublisher) subscribe(in *Ingress) error {
	topics := in.Topics()
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = 0
	}
	token := p.client.SubscribeMultiple(filters, func(_ paho.Client, m paho.Message) {
		in.Handle(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	p.logger.Info("subscribed", zap.Strings("topics", topics))
	return nil
}

// onConnect runs on paho's goroutine after every (re)connect.
func (p *RealPublisher) onConnect(_ paho.Client) {
	p.mu.Lock()
	in := p.ingress
	pending := p.buf.len()
	start := pending > 0 && !p.replaying
	if start {
		p.replaying = true
	}
	p.mu.Unlock()

	p.logger.Info("connected", zap.Int("replay", pending))
	if in != nil {
		if err := p.subscribe(in); err != nil {
			p.logger.Error("resubscribe failed", zap.Error(err))
		}
	}
	// Replay from a fresh goroutine: paho's handler must not block on tokens.
	if start {
		go p.replay()
	}
}

// replay sends the buffer oldest first until it is empty. Reliable messages
// published meanwhile are appended to the buffer, so they go out after the
// backlog. On a send failure the unsent messages are put back at the front.
func (p *RealPublisher) replay() {
	for {
		p.mu.Lock()
		pending := p.buf.drainAll()
		if len(pending) == 0 {
			p.replaying = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		for i, m := range pending {
			if err := p.send(m); err != nil {
				p.logger.Warn("replay interrupted", zap.Error(err), zap.Int("remaining", len(pending)-i))
				p.mu.Lock()
				p.buf.pushFront(pending[i:])
				p.replaying = false
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// publishReliable sends or, while disconnected or replaying, buffers for
// replay.
func (p *RealPublisher) publishReliable(m bufferedMsg) error {
	p.mu.Lock()
	if p.replaying || !p.client.IsConnectionOpen() {
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return err
	}
	return nil
}

// PublishAlert sends a fall alert at QoS 1.
func (p *RealPublisher) PublishAlert(a fall.Alert) error {
	payload, err := FormatAlertPayload(a)
	if err != nil {
		return fmt.Errorf("format alert payload: %w", err)
	}
	return p.publishReliable(bufferedMsg{topic: p.topics.Alerts, payload: payload, qos: 1})
}

// PublishMetrics sends a metrics snapshot at QoS 0. Never buffered.
func (p *RealPublisher) PublishMetrics(m pipeline.Metrics) error {
	payload, err := FormatMetricsPayload(m)
	if err != nil {
		return fmt.Errorf("format metrics payload: %w", err)
	}
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return p.send(bufferedMsg{topic: p.topics.Metrics, payload: payload})
}

// PublishFeatures sends a soft-bio feature record at QoS 0.
func (p *RealPublisher) PublishFeatures(f softbio.Features) error {
	payload, err := FormatFeaturesPayload(f)
	if err != nil {
		return fmt.Errorf("format features payload: %w", err)
	}
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return p.send(bufferedMsg{topic: p.topics.Features, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) - lifecycle events must not be lost
	return p.publishReliable(bufferedMsg{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is currently up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered reports how many messages are waiting for a reconnect.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
