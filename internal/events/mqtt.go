package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	mqttQueueSize      = 256
	mqttPublishTimeout = 5 * time.Second
)

// MQTTConfig holds broker and topic settings.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TicketTopic string // e.g. "linkmonitor/tickets/{ticket_id}"
	CycleTopic  string
	QoS         byte
}

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher forwards events to an MQTT broker from a buffered queue, so a
// slow broker never stalls a reconciliation cycle.
type MQTTPublisher struct {
	client      publisher
	ticketTopic string
	cycleTopic  string
	qos         byte
	queue       chan Event
	log         *logrus.Entry
}

// ConnectMQTT opens a broker connection.
func ConnectMQTT(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// NewMQTTPublisher creates a publisher. Run must be started for events to flow.
func NewMQTTPublisher(client mqtt.Client, cfg MQTTConfig, log *logrus.Entry) *MQTTPublisher {
	return newMQTTPublisher(client, cfg, log)
}

func newMQTTPublisher(client publisher, cfg MQTTConfig, log *logrus.Entry) *MQTTPublisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MQTTPublisher{
		client:      client,
		ticketTopic: cfg.TicketTopic,
		cycleTopic:  cfg.CycleTopic,
		qos:         cfg.QoS,
		queue:       make(chan Event, mqttQueueSize),
		log:         log.WithField("component", "mqtt"),
	}
}

// Publish implements Sink. Events are dropped when the queue is full.
func (p *MQTTPublisher) Publish(_ context.Context, ev Event) {
	select {
	case p.queue <- ev:
	default:
		p.log.WithField("type", ev.Type).Warn("mqtt queue full, dropping event")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.send(ev); err != nil {
				p.log.WithError(err).Warn("publish event")
			}
		}
	}
}

func (p *MQTTPublisher) send(ev Event) error {
	topic := p.topicFor(ev)
	if topic == "" {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) topicFor(ev Event) string {
	switch ev.Type {
	case TypeTicketEvaluated:
		if ev.Ticket == nil {
			return ""
		}
		return formatTopic(p.ticketTopic, ev.Ticket.TicketID)
	case TypeCycleFinished:
		return p.cycleTopic
	}
	return ""
}

// formatTopic replaces the {ticket_id} placeholder.
func formatTopic(pattern, ticketID string) string {
	return strings.ReplaceAll(pattern, "{ticket_id}", ticketID)
}
