package telemetry

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ky4olb/wwvengine/wwv"
)

// udpHeartbeatInterval matches the cadence third-party decoder aggregators
// expect from a live feed, so a stalled engine is visible as a gap rather
// than silence indistinguishable from "not running".
const udpHeartbeatInterval = 15 * time.Second

// UDPConfig configures the line-protocol UDP broadcaster.
type UDPConfig struct {
	Host      string
	Port      int
	ClientID  string
	StationID string
}

// udpMessage is the line-protocol envelope sent for every event and the
// periodic heartbeat. One JSON object per UDP datagram.
type udpMessage struct {
	Type      string  `json:"type"` // "heartbeat", "symbol", "sync"
	ClientID  string  `json:"client_id"`
	StationID string  `json:"station_id"`
	Timestamp int64   `json:"timestamp"`
	Second    int     `json:"second,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	State     string  `json:"state,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// UDPBroadcaster sends one JSON datagram per event to a fixed remote
// address, plus a periodic heartbeat so listeners can distinguish a quiet
// minute from a dead feed.
type UDPBroadcaster struct {
	cfg  UDPConfig
	conn *net.UDPConn

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewUDPBroadcaster creates a broadcaster in the stopped state.
func NewUDPBroadcaster(cfg UDPConfig) *UDPBroadcaster {
	if cfg.ClientID == "" {
		cfg.ClientID = "wwvengine"
	}
	return &UDPBroadcaster{cfg: cfg, stopChan: make(chan struct{})}
}

// Start resolves the remote address and begins the heartbeat goroutine.
func (b *UDPBroadcaster) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("telemetry: UDP broadcaster already running")
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port))
	if err != nil {
		return fmt.Errorf("resolve UDP address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		return fmt.Errorf("dial UDP: %w", err)
	}
	b.conn = conn
	b.running = true
	b.stopChan = make(chan struct{})
	go b.heartbeatLoop()
	return nil
}

// Stop closes the connection and stops the heartbeat goroutine.
func (b *UDPBroadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	close(b.stopChan)
	b.conn.Close()
	b.running = false
}

func (b *UDPBroadcaster) heartbeatLoop() {
	ticker := time.NewTicker(udpHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.send(udpMessage{
				Type:      "heartbeat",
				ClientID:  b.cfg.ClientID,
				StationID: b.cfg.StationID,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

func (b *UDPBroadcaster) send(msg udpMessage) {
	b.mu.Lock()
	conn := b.conn
	running := b.running
	b.mu.Unlock()
	if !running || conn == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.Write(data)
}

// PublishSymbol sends one symbol-classification datagram.
func (b *UDPBroadcaster) PublishSymbol(evt wwv.SymbolEvent) {
	b.send(udpMessage{
		Type:       "symbol",
		ClientID:   b.cfg.ClientID,
		StationID:  b.cfg.StationID,
		Timestamp:  time.Now().Unix(),
		Second:     evt.Second,
		Symbol:     evt.Symbol.String(),
		Confidence: evt.Confidence,
	})
}

// PublishFrameTime sends one sync-state datagram.
func (b *UDPBroadcaster) PublishFrameTime(ft wwv.FrameTime) {
	b.send(udpMessage{
		Type:       "sync",
		ClientID:   b.cfg.ClientID,
		StationID:  b.cfg.StationID,
		Timestamp:  time.Now().Unix(),
		Second:     ft.CurrentSecond,
		State:      ft.State.String(),
		Confidence: ft.Confidence,
	})
}
