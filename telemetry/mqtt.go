// Package telemetry publishes engine events to external sinks: MQTT for
// remote monitoring and a UDP line protocol compatible with amateur-radio
// decoder aggregators.
package telemetry

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ky4olb/wwvengine/wwv"
)

// MQTTTLSConfig configures optional TLS for the broker connection.
type MQTTTLSConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
}

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker       string
	Username     string
	Password     string
	TopicPrefix  string
	TLS          MQTTTLSConfig
	StationID    string // e.g. "WWV" or "WWVH", included in every payload
}

// SyncPayload is the JSON body published on <prefix>/sync whenever the
// fused frame-time estimate changes.
type SyncPayload struct {
	Timestamp  int64  `json:"timestamp"`
	StationID  string `json:"station_id"`
	State      string `json:"state"`
	Second     int    `json:"second"`
	Confidence float64 `json:"confidence"`
}

// SymbolPayload is the JSON body published on <prefix>/symbol for every
// classified BCD symbol.
type SymbolPayload struct {
	Timestamp  int64   `json:"timestamp"`
	StationID  string  `json:"station_id"`
	Second     int     `json:"second"`
	Symbol     string  `json:"symbol"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Publisher manages MQTT publishing of engine telemetry.
type Publisher struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    *log.Logger
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "wwvengine_" + hex.EncodeToString(b)
}

func loadTLSConfig(cfg MQTTTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tc := &tls.Config{}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tc.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// NewPublisher connects to the configured MQTT broker and returns a ready
// publisher. logger may be nil to discard connection-lifecycle logging.
func NewPublisher(cfg MQTTConfig, logger *log.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(generateClientID())
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if cfg.TLS.Enabled {
		tc, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("mqtt TLS: %w", err)
		}
		opts.SetTLSConfig(tc)
	}

	p := &Publisher{cfg: cfg, log: logger}
	opts.SetOnConnectHandler(func(mqtt.Client) { p.logf("connected to %s", cfg.Broker) })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { p.logf("connection lost: %v", err) })
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { p.logf("reconnecting to %s", cfg.Broker) })

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return p, nil
}

func (p *Publisher) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log.Printf("[MQTT] "+format, args...)
	}
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.TopicPrefix + "/" + suffix
}

// PublishFrameTime publishes the fused sync estimate. Call this from the
// ExternalSink boundary, never from the detector-path loop directly.
func (p *Publisher) PublishFrameTime(ft wwv.FrameTime) {
	payload := SyncPayload{
		Timestamp:  time.Now().Unix(),
		StationID:  p.cfg.StationID,
		State:      ft.State.String(),
		Second:     ft.CurrentSecond,
		Confidence: ft.Confidence,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.logf("marshal sync payload: %v", err)
		return
	}
	p.client.Publish(p.topic("sync"), 0, false, b)
}

// PublishSymbol publishes one classified BCD symbol.
func (p *Publisher) PublishSymbol(evt wwv.SymbolEvent) {
	payload := SymbolPayload{
		Timestamp:  time.Now().Unix(),
		StationID:  p.cfg.StationID,
		Second:     evt.Second,
		Symbol:     evt.Symbol.String(),
		Source:     evt.Source.String(),
		Confidence: evt.Confidence,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.logf("marshal symbol payload: %v", err)
		return
	}
	p.client.Publish(p.topic("symbol"), 0, false, b)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
