package fl

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/errors"
)

// scriptedHandler answers the protocol with canned results.
type scriptedHandler struct {
	mu        sync.Mutex
	registers []RegisterRequest
	updates   []*ClientUpdate
	failWith  error
	model     *GlobalModel
}

func (h *scriptedHandler) HandleRegister(_ context.Context, req RegisterRequest) (RegisterAck, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failWith != nil {
		return RegisterAck{}, h.failWith
	}
	h.registers = append(h.registers, req)
	return RegisterAck{ClientID: req.ClientID, Shard: 2}, nil
}

func (h *scriptedHandler) HandleUpdate(_ context.Context, update *ClientUpdate) (UpdateAck, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failWith != nil {
		return UpdateAck{}, h.failWith
	}
	h.updates = append(h.updates, update)
	return UpdateAck{RoundID: update.RoundID, ClientID: update.ClientID, Accepted: true}, nil
}

func (h *scriptedHandler) HandleModelRequest(_ context.Context, _ ModelRequest) (*GlobalModel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failWith != nil {
		return nil, h.failWith
	}
	return h.model, nil
}

func startTestServer(t *testing.T, handler Handler) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", handler, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, msgType string, payload interface{}) {
	t.Helper()
	env, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(conn, env))
}

func readEnvelope(t *testing.T, conn net.Conn) *Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := ReadFrame(conn)
	require.NoError(t, err)
	return env
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env, err := NewEnvelope(MsgAck, UpdateAck{RoundID: "r1", ClientID: "c1", Accepted: true})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgAck, got.Type)

	var ack UpdateAck
	require.NoError(t, got.Decode(&ack))
	assert.Equal(t, "r1", ack.RoundID)
	assert.True(t, ack.Accepted)
}

func TestReadFrameRejectsHostileLengths(t *testing.T) {
	var zero [4]byte
	_, err := ReadFrame(bytes.NewReader(zero[:]))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindIntegrity))

	var huge [4]byte
	binary.BigEndian.PutUint32(huge[:], maxFrameBytes+1)
	_, err = ReadFrame(bytes.NewReader(huge[:]))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindIntegrity))
}

func TestServerHandlesRegisterAndUpdate(t *testing.T) {
	handler := &scriptedHandler{}
	srv := startTestServer(t, handler)
	conn := dialServer(t, srv.Addr())

	sendFrame(t, conn, MsgRegister, RegisterRequest{
		ClientID:  "node-1",
		PublicKey: bytes.Repeat([]byte{1}, 32),
		Capacity:  ResourceReport{CPUMilli: 1500, MemoryMB: 512},
	})
	env := readEnvelope(t, conn)
	require.Equal(t, MsgAck, env.Type)
	var regAck RegisterAck
	require.NoError(t, env.Decode(&regAck))
	assert.Equal(t, "node-1", regAck.ClientID)
	assert.Equal(t, 2, regAck.Shard)

	grad, err := Compress([]float64{1, 2}, CompressionNone, 0)
	require.NoError(t, err)
	sendFrame(t, conn, MsgUpdate, &ClientUpdate{
		RoundID: "round-1", ClientID: "node-1", Gradient: grad, SampleCount: 10,
	})
	env = readEnvelope(t, conn)
	require.Equal(t, MsgAck, env.Type)
	var upAck UpdateAck
	require.NoError(t, env.Decode(&upAck))
	assert.True(t, upAck.Accepted)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.registers, 1)
	require.Len(t, handler.updates, 1)
	assert.Equal(t, "round-1", handler.updates[0].RoundID)
}

func TestServerReturnsErrorFramesWithKind(t *testing.T) {
	handler := &scriptedHandler{failWith: errors.NewIntegrity("update signature mismatch")}
	srv := startTestServer(t, handler)
	conn := dialServer(t, srv.Addr())

	sendFrame(t, conn, MsgRegister, RegisterRequest{ClientID: "node-1"})
	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)

	var resp ErrorResponse
	require.NoError(t, env.Decode(&resp))
	assert.Equal(t, string(errors.KindIntegrity), resp.Code)
	assert.Contains(t, resp.Message, "signature mismatch")
}

func TestServerRejectsUnknownMessageType(t *testing.T) {
	srv := startTestServer(t, &scriptedHandler{})
	conn := dialServer(t, srv.Addr())

	sendFrame(t, conn, "gossip", map[string]string{"x": "y"})
	env := readEnvelope(t, conn)
	require.Equal(t, MsgError, env.Type)

	var resp ErrorResponse
	require.NoError(t, env.Decode(&resp))
	assert.Equal(t, string(errors.KindValidation), resp.Code)
}

func TestServerServesModelRequests(t *testing.T) {
	handler := &scriptedHandler{model: &GlobalModel{Version: 9, Weights: []float64{1, 2, 3}}}
	srv := startTestServer(t, handler)
	conn := dialServer(t, srv.Addr())

	sendFrame(t, conn, MsgModelRequest, ModelRequest{ClientID: "node-1", Version: 9})
	env := readEnvelope(t, conn)
	require.Equal(t, MsgModel, env.Type)

	var model GlobalModel
	require.NoError(t, env.Decode(&model))
	assert.Equal(t, uint64(9), model.Version)
	assert.Equal(t, []float64{1, 2, 3}, model.Weights)
}

func TestBroadcastReachesOnlyRegisteredConnections(t *testing.T) {
	handler := &scriptedHandler{}
	srv := startTestServer(t, handler)
	conn := dialServer(t, srv.Addr())

	sendFrame(t, conn, MsgRegister, RegisterRequest{ClientID: "node-1"})
	env := readEnvelope(t, conn)
	require.Equal(t, MsgAck, env.Type)

	cfg := &TrainingConfig{
		RoundID:      "round-7",
		ModelVersion: 3,
		Weights:      []float64{0.5},
		Deadline:     time.Now().Add(time.Minute),
		Compression:  CompressionNone,
	}
	delivered := srv.Broadcast([]string{"node-1", "node-ghost"}, cfg)
	assert.Equal(t, []string{"node-1"}, delivered)

	env = readEnvelope(t, conn)
	require.Equal(t, MsgTrainingConfig, env.Type)
	var got TrainingConfig
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "round-7", got.RoundID)
	assert.Equal(t, uint64(3), got.ModelVersion)
}

func TestServerDropsOversizedFrames(t *testing.T) {
	srv := startTestServer(t, &scriptedHandler{})
	conn := dialServer(t, srv.Addr())

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], maxFrameBytes+1)
	_, err := conn.Write(prefix[:])
	require.NoError(t, err)

	// The server treats the length as hostile and hangs up.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = ReadFrame(conn)
	assert.Error(t, err)
}

func TestStopClosesLiveConnections(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &scriptedHandler{}, nil)
	require.NoError(t, srv.Start())
	conn := dialServer(t, srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := ReadFrame(conn)
	assert.Error(t, err, "reads against a stopped server must fail")

	// Stop is idempotent.
	assert.NoError(t, srv.Stop(ctx))
}
