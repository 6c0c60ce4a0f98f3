// Package publish mirrors acknowledged measurements to an MQTT broker.
package publish

import (
	"context"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dreamware/sensornet/internal/measurement"
)

// client is the part of mqtt.Client a publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each measurement as JSON on <topic>/<sensorID>/measurements
// with QoS 1.
type MQTT struct {
	client client
	topic  string
}

// NewMQTT connects to broker and returns a publisher rooted at topic.
func NewMQTT(broker, topic, clientID string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("publish: connected to %s", broker)
	return newMQTT(c, topic), nil
}

func newMQTT(c client, topic string) *MQTT {
	if topic == "" {
		topic = "sensors"
	}
	return &MQTT{client: c, topic: topic}
}

// Topic returns the topic measurements of sensorID are published on.
func (p *MQTT) Topic(sensorID string) string {
	return p.topic + "/" + sensorID + "/measurements"
}

// Publish sends m and waits for the broker's acknowledgement or ctx.
func (p *MQTT) Publish(ctx context.Context, sensorID string, m measurement.Measurement) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(sensorID), 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, giving in-flight messages 250ms to complete.
func (p *MQTT) Close() {
	p.client.Disconnect(250)
}
