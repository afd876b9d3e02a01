package telemetry

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ky4olb/wwvengine/wwv"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readOneMessage(t *testing.T, conn *net.UDPConn) udpMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	var msg udpMessage
	require.NoError(t, json.Unmarshal(buf[:n], &msg))
	return msg
}

func TestUDPBroadcasterPublishSymbolSendsDatagram(t *testing.T) {
	listener := listenUDP(t)
	addr := listener.LocalAddr().(*net.UDPAddr)

	b := NewUDPBroadcaster(UDPConfig{Host: "127.0.0.1", Port: addr.Port, StationID: "WWV"})
	require.NoError(t, b.Start())
	defer b.Stop()

	b.PublishSymbol(wwv.SymbolEvent{Second: 9, Symbol: wwv.SymbolPMarker, Confidence: 1.0})

	msg := readOneMessage(t, listener)
	assert.Equal(t, "symbol", msg.Type)
	assert.Equal(t, "WWV", msg.StationID)
	assert.Equal(t, 9, msg.Second)
	assert.Equal(t, "P", msg.Symbol)
}

func TestUDPBroadcasterPublishFrameTimeSendsDatagram(t *testing.T) {
	listener := listenUDP(t)
	addr := listener.LocalAddr().(*net.UDPAddr)

	b := NewUDPBroadcaster(UDPConfig{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, b.Start())
	defer b.Stop()

	b.PublishFrameTime(wwv.FrameTime{CurrentSecond: 30, State: wwv.SyncLocked, Confidence: 0.95})

	msg := readOneMessage(t, listener)
	assert.Equal(t, "sync", msg.Type)
	assert.Equal(t, "LOCKED", msg.State)
	assert.Equal(t, 30, msg.Second)
}

func TestUDPBroadcasterDefaultsClientID(t *testing.T) {
	b := NewUDPBroadcaster(UDPConfig{Host: "127.0.0.1", Port: 1})
	assert.Equal(t, "wwvengine", b.cfg.ClientID)
}

func TestUDPBroadcasterStartTwiceErrors(t *testing.T) {
	listener := listenUDP(t)
	addr := listener.LocalAddr().(*net.UDPAddr)

	b := NewUDPBroadcaster(UDPConfig{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, b.Start())
	defer b.Stop()
	assert.Error(t, b.Start())
}

func TestUDPBroadcasterSendAfterStopIsNoop(t *testing.T) {
	listener := listenUDP(t)
	addr := listener.LocalAddr().(*net.UDPAddr)

	b := NewUDPBroadcaster(UDPConfig{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, b.Start())
	b.Stop()

	assert.NotPanics(t, func() {
		b.PublishSymbol(wwv.SymbolEvent{})
	})
}
