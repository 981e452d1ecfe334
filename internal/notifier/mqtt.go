package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"assetlens-go/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// RunEvent is the payload published for run lifecycle changes.
type RunEvent struct {
	RunID     uint      `json:"run_id"`
	PhotoID   uint      `json:"photo_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Client publishes run lifecycle events to an MQTT broker. A disabled
// configuration yields a client whose publishes are no-ops.
type Client struct {
	config config.MQTTConfig
	client mqtt.Client
}

// NewClient creates a new MQTT notifier client.
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{config: cfg}
}

// Start connects the client to the broker.
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT notifier is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	log.Info("MQTT notifier connected")
	return nil
}

// Stop disconnects the client.
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT notifier...")
		c.client.Disconnect(250)
	}
}

// PublishRunEvent publishes a run status change. Publish failures are logged
// and never propagate into the pipeline.
func (c *Client) PublishRunEvent(runID, photoID uint, status string) {
	if !c.config.Enabled || c.client == nil || !c.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(RunEvent{
		RunID:     runID,
		PhotoID:   photoID,
		Status:    status,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.WithError(err).Error("Failed to encode run event")
		return
	}

	token := c.client.Publish(c.config.Topic, 0, false, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.WithError(token.Error()).Warnf("Failed to publish run event for run %d", runID)
		}
	}()
}
