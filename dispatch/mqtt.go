package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	admission "github.com/goliatone/go-admission"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	defaultQuiesce        = 1000 // milliseconds
	maxPayloadSize        = 1 << 20
	defaultAffinity       = "default"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker         string        `yaml:"broker" json:"broker"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"password"`
	TLS            bool          `yaml:"tls" json:"tls"`
	TopicPrefix    string        `yaml:"topic_prefix" json:"topic_prefix"`
	QoS            byte          `yaml:"qos" json:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	Buffer         int           `yaml:"buffer" json:"buffer"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "admission"
	}
	if c.ClientID == "" {
		c.ClientID = "admission-" + uuid.NewString()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	return c
}

// Topics builds the transport topic names under a prefix.
type Topics struct {
	Prefix string
}

// Submit is where runners with the given affinity pick up work.
func (t Topics) Submit(affinity string) string {
	if strings.TrimSpace(affinity) == "" {
		affinity = defaultAffinity
	}
	return fmt.Sprintf("%s/runs/%s/submit", t.Prefix, affinity)
}

func (t Topics) Cancel() string    { return t.Prefix + "/runs/cancel" }
func (t Topics) Completed() string { return t.Prefix + "/runs/completed" }

// Status carries published run status changes.
func (t Topics) Status(runID string) string {
	return fmt.Sprintf("%s/status/%s", t.Prefix, runID)
}

// MQTTTransport dispatches runs over MQTT. It also implements
// store.Publisher, mirroring published status changes to the status topic.
type MQTTTransport struct {
	client pahomqtt.Client
	cfg    MQTTConfig
	topics Topics
	logger admission.Logger

	completions chan Completion
	closeOnce   sync.Once
	closed      chan struct{}
}

// DialMQTT connects to the broker in cfg and subscribes to completions.
func DialMQTT(cfg MQTTConfig, logger admission.Logger) (*MQTTTransport, error) {
	cfg = cfg.withDefaults()
	logger = admission.NormalizeLogger(logger)
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, admission.NewError(admission.ErrInvalidConfig, "mqtt broker is required", nil, nil)
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost: %v", err)
	})

	t := newMQTTTransport(nil, cfg, logger)
	// resubscribe after every reconnect; clean sessions drop subscriptions
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if err := t.subscribe(c); err != nil {
			logger.Error("mqtt subscribe to %s failed: %v", t.topics.Completed(), err)
		}
	})

	client := pahomqtt.NewClient(opts)
	// set before Connect, the on-connect handler may run before it returns
	t.client = client
	if err := connectMQTT(client, cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// connectMQTT waits for the first connection. On failure the client is
// disconnected so that connect retry stops in the background.
func connectMQTT(client pahomqtt.Client, cfg MQTTConfig) error {
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return admission.NewError(admission.ErrTransportSubmit, "mqtt connect timed out", nil, map[string]any{
			"broker": cfg.Broker,
		})
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return admission.NewError(admission.ErrTransportSubmit, "mqtt connect failed", err, map[string]any{
			"broker": cfg.Broker,
		})
	}
	return nil
}

// NewMQTTTransport wraps an already connected client and subscribes to
// completions.
func NewMQTTTransport(client pahomqtt.Client, cfg MQTTConfig, logger admission.Logger) (*MQTTTransport, error) {
	t := newMQTTTransport(client, cfg.withDefaults(), admission.NormalizeLogger(logger))
	if err := t.subscribe(client); err != nil {
		return nil, err
	}
	return t, nil
}

func newMQTTTransport(client pahomqtt.Client, cfg MQTTConfig, logger admission.Logger) *MQTTTransport {
	return &MQTTTransport{
		client:      client,
		cfg:         cfg,
		topics:      Topics{Prefix: cfg.TopicPrefix},
		logger:      logger,
		completions: make(chan Completion, cfg.Buffer),
		closed:      make(chan struct{}),
	}
}

func (t *MQTTTransport) Topics() Topics { return t.topics }

func (t *MQTTTransport) subscribe(client pahomqtt.Client) error {
	token := client.Subscribe(t.topics.Completed(), t.cfg.QoS, t.onCompleted)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return admission.NewError(admission.ErrTransportSubmit, "mqtt subscribe timed out", nil, map[string]any{
			"topic": t.topics.Completed(),
		})
	}
	if err := token.Error(); err != nil {
		return admission.NewError(admission.ErrTransportSubmit, "mqtt subscribe failed", err, map[string]any{
			"topic": t.topics.Completed(),
		})
	}
	return nil
}

func (t *MQTTTransport) onCompleted(_ pahomqtt.Client, msg pahomqtt.Message) {
	var c Completion
	if err := json.Unmarshal(msg.Payload(), &c); err != nil {
		t.logger.Warn("dropping malformed completion on %s: %v", msg.Topic(), err)
		return
	}
	status, err := admission.ParseStatus(string(c.Status))
	if err != nil || strings.TrimSpace(c.RunID) == "" {
		t.logger.Warn("dropping completion with run_id %q and status %q", c.RunID, c.Status)
		return
	}
	c.Status = status
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	select {
	case <-t.closed:
	case t.completions <- c:
	}
}

type submitMessage struct {
	Run      *admission.Run `json:"liveaction"`
	Affinity string         `json:"affinity"`
}

// Submit publishes run to the submit topic of its affinity. The affinity is
// taken from the dispatch marker.
func (t *MQTTTransport) Submit(_ context.Context, run *admission.Run) error {
	if run == nil {
		return submitError(run, nil)
	}
	marker, _ := MarkerOf(run)
	payload, err := json.Marshal(submitMessage{Run: run, Affinity: marker.Affinity})
	if err != nil {
		return submitError(run, err)
	}
	if err := t.publish(t.topics.Submit(marker.Affinity), payload); err != nil {
		return submitError(run, err)
	}
	return nil
}

func (t *MQTTTransport) Cancel(_ context.Context, run *admission.Run) error {
	payload, err := json.Marshal(map[string]any{"run_id": run.ID, "action_ref": run.ActionRef})
	if err != nil {
		return submitError(run, err)
	}
	if err := t.publish(t.topics.Cancel(), payload); err != nil {
		return submitError(run, err)
	}
	return nil
}

// PublishStatus mirrors a status change to <prefix>/status/<run id>.
func (t *MQTTTransport) PublishStatus(_ context.Context, run *admission.Run) error {
	payload, err := json.Marshal(map[string]any{
		"run_id":     run.ID,
		"action_ref": run.ActionRef,
		"status":     run.Status,
		"revision":   run.Revision,
		"updated_at": run.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return t.publish(t.topics.Status(run.ID), payload)
}

func (t *MQTTTransport) publish(topic string, payload []byte) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	if len(payload) > maxPayloadSize {
		return admission.NewError(admission.ErrTransportSubmit, "mqtt payload too large", nil, map[string]any{
			"topic": topic,
			"size":  len(payload),
		})
	}
	if t.client == nil || !t.client.IsConnected() {
		return admission.NewError(admission.ErrTransportSubmit, "mqtt client not connected", nil, map[string]any{
			"topic": topic,
		})
	}
	token := t.client.Publish(topic, t.cfg.QoS, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return admission.NewError(admission.ErrTransportSubmit, "mqtt publish timed out", nil, map[string]any{
			"topic": topic,
		})
	}
	return token.Error()
}

func (t *MQTTTransport) Completions() <-chan Completion {
	return t.completions
}

func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.client != nil && t.client.IsConnected() {
			t.client.Unsubscribe(t.topics.Completed()).WaitTimeout(defaultPublishTimeout)
			t.client.Disconnect(defaultQuiesce)
		}
	})
	return nil
}
