package agentsim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicebench/internal/audio"
	"github.com/ent0n29/voicebench/internal/protocol"
)

func dialSim(t *testing.T, cfg Config) (*websocket.Conn, *Server) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/agent/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, srv
}

func readEvent(t *testing.T, conn *websocket.Conn) (protocol.MessageType, any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseServerEvent(data)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, msg
}

func readUntil(t *testing.T, conn *websocket.Conn, stop protocol.MessageType) ([]protocol.MessageType, any) {
	t.Helper()
	var seen []protocol.MessageType
	for i := 0; i < 64; i++ {
		typ, msg := readEvent(t, conn)
		seen = append(seen, typ)
		if typ == stop {
			return seen, msg
		}
	}
	t.Fatalf("never received %s, saw %v", stop, seen)
	return nil, nil
}

func sendConfig(t *testing.T, conn *websocket.Conn, mode string) {
	t.Helper()
	cfg := protocol.NewConfig(mode, protocol.ProviderConfig{Realtime: "agentsim"}, "", protocol.RoleLabels{}, true)
	require.NoError(t, conn.WriteJSON(cfg))
}

func TestStagedTurnReportsSegments(t *testing.T) {
	conn, srv := dialSim(t, Config{Chunks: 2})

	typ, msg := readEvent(t, conn)
	require.Equal(t, protocol.TypeConnected, typ)
	assert.NotEmpty(t, msg.(protocol.Connected).SessionID)

	sendConfig(t, conn, protocol.ModeStaged)
	frame := protocol.EncodeAudioFrame(16000, audio.Constant(16000, 0.4))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	typ, _ = readEvent(t, conn)
	require.Equal(t, protocol.TypeSpeechStarted, typ)

	require.NoError(t, conn.WriteJSON(protocol.NewEndTurn()))
	seen, last := readUntil(t, conn, protocol.TypeResponseEnded)

	assert.Equal(t, []protocol.MessageType{
		protocol.TypeSpeechEnded,
		protocol.TypeResponseStarted,
		protocol.TypeTranscript,
	}, seen[:3])
	assert.Contains(t, seen, protocol.TypeTextDelta)
	audioChunks := 0
	for _, s := range seen {
		if s == protocol.TypeAudio {
			audioChunks++
		}
	}
	assert.Equal(t, 2, audioChunks)

	report := last.(protocol.ResponseEnded).Report()
	require.NotNil(t, report)
	assert.NotNil(t, report.TotalMS)
	assert.NotNil(t, report.STTMS)
	assert.NotNil(t, report.LLMTTFTMS)
	assert.NotNil(t, report.TTSTTFBMS)
	assert.Nil(t, report.RealtimeMS)
	require.Eventually(t, func() bool { return srv.Turns() == 1 }, time.Second, time.Millisecond)
}

func TestRealtimeTurnReportsCombinedLatency(t *testing.T) {
	conn, _ := dialSim(t, Config{})
	readEvent(t, conn)
	sendConfig(t, conn, protocol.ModeRealtime)

	require.NoError(t, conn.WriteJSON(protocol.NewEndTurn()))
	_, last := readUntil(t, conn, protocol.TypeResponseEnded)
	report := last.(protocol.ResponseEnded).Report()
	require.NotNil(t, report)
	assert.NotNil(t, report.RealtimeMS)
	assert.Nil(t, report.STTMS)
}

func TestInterruptCutsResponseShort(t *testing.T) {
	conn, srv := dialSim(t, Config{Chunks: 5, ChunkInterval: time.Second})
	readEvent(t, conn)
	sendConfig(t, conn, protocol.ModeRealtime)

	require.NoError(t, conn.WriteJSON(protocol.NewEndTurn()))
	readUntil(t, conn, protocol.TypeAudio)
	require.NoError(t, conn.WriteJSON(protocol.NewInterrupt()))

	seen, _ := readUntil(t, conn, protocol.TypeInterrupted)
	assert.NotContains(t, seen, protocol.TypeResponseEnded)
	assert.Equal(t, int64(0), srv.Turns())
}

func TestEndTurnBeforeConfigIsAnError(t *testing.T) {
	conn, _ := dialSim(t, Config{})
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.NewEndTurn()))
	typ, msg := readEvent(t, conn)
	require.Equal(t, protocol.TypeError, typ)
	assert.Contains(t, msg.(protocol.Error).Message, "config")
}

func TestPingIsAnswered(t *testing.T) {
	conn, _ := dialSim(t, Config{})
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.NewPing(1234)))
	typ, msg := readEvent(t, conn)
	require.Equal(t, protocol.TypePong, typ)
	if got := msg.(protocol.Pong).TSMs; got != 1234 {
		t.Fatalf("pong ts_ms = %d, want 1234", got)
	}
}

func TestAPIKeyIsEnforced(t *testing.T) {
	ts := httptest.NewServer(New(Config{APIKey: "secret"}).Router())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/agent/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer secret"}})
	require.NoError(t, err)
	_ = conn.Close()
}
