package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"transitbd/tracker/internal/config"
	"transitbd/tracker/internal/ingest"
	"transitbd/tracker/internal/logging"
	"transitbd/tracker/internal/metrics"
)

// MQTTName labels MQTT traffic in logs and metrics.
const MQTTName = "mqtt"

const mqttDisconnectTimeout = 5 * time.Second

// DecodeMQTT parses a position published on topic. Devices that publish on
// transit/vehicles/<id>/position may leave vehicleId out of the payload.
func DecodeMQTT(topic string, payload []byte) (ingest.PositionUpdate, error) {
	var update ingest.PositionUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return ingest.PositionUpdate{}, errors.Wrap(err, "decode mqtt position")
	}
	if strings.TrimSpace(update.VehicleID) == "" {
		update.VehicleID = vehicleFromTopic(topic)
	}
	return update, nil
}

func vehicleFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "vehicles" && parts[i+2] == "position" {
			return parts[i+1]
		}
	}
	return ""
}

// MQTT subscribes to a broker topic filter and ingests every position published on it.
type MQTT struct {
	cfg     config.MQTTConfig
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewMQTT validates the broker address.
func NewMQTT(cfg config.MQTTConfig, m *metrics.Metrics, logger *logging.Logger) (*MQTT, error) {
	if strings.TrimSpace(cfg.BrokerURL) == "" {
		return nil, fmt.Errorf("mqtt broker url is required")
	}
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, errors.Wrap(err, "parse mqtt broker url")
	}
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultMQTTTopic
	}
	return &MQTT{cfg: cfg, metrics: m, log: componentLogger(logger, MQTTName)}, nil
}

// Name implements Source.
func (m *MQTT) Name() string { return MQTTName }

// Run connects, subscribes on every connection up, and blocks until ctx is cancelled.
func (m *MQTT) Run(ctx context.Context, sink Ingester) error {
	brokerURL, err := url.Parse(m.cfg.BrokerURL)
	if err != nil {
		return errors.Wrap(err, "parse mqtt broker url")
	}

	//1.- Route every publish through the decoder and into the ingestor.
	router := func(pr paho.PublishReceived) (bool, error) {
		update, err := DecodeMQTT(pr.Packet.Topic, pr.Packet.Payload)
		if err != nil {
			m.metrics.SourceMessage(MQTTName, resultMalformed)
			m.log.Debug("dropping malformed mqtt payload", logging.String("topic", pr.Packet.Topic), logging.Error(err))
			return true, nil
		}
		submit(ctx, MQTTName, sink, update, m.metrics, m.log)
		return true, nil
	}

	//2.- Resubscribe whenever the connection comes back since sessions may not persist.
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectUsername:               m.cfg.Username,
		ConnectPassword:               []byte(m.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: m.cfg.Topic, QoS: 0}},
			}); err != nil {
				m.log.Warn("mqtt subscribe failed", logging.String("topic", m.cfg.Topic), logging.Error(err))
				return
			}
			m.log.Info("mqtt subscribed", logging.String("topic", m.cfg.Topic))
		},
		OnConnectError: func(err error) {
			m.log.Warn("mqtt connect failed", logging.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID:          m.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){router},
			OnClientError: func(err error) {
				m.log.Warn("mqtt client error", logging.Error(err))
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "start mqtt connection")
	}
	m.log.Info("mqtt source started", logging.String("broker", m.cfg.BrokerURL))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimeout)
	defer cancel()
	_ = cm.Disconnect(shutdownCtx)
	m.log.Info("mqtt source stopped")
	return nil
}
