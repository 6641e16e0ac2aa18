package fl

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/logger"
)

// Wire message types. Clients send register, update, and model_request;
// the aggregator answers with ack, model, training_config, and error.
const (
	MsgRegister       = "register"
	MsgUpdate         = "update"
	MsgModelRequest   = "model_request"
	MsgTrainingConfig = "training_config"
	MsgModel          = "model"
	MsgAck            = "ack"
	MsgError          = "error"
)

// maxFrameBytes bounds a single frame. A dense float64 gradient at the
// largest supported dimension fits with room to spare; anything bigger is
// a protocol violation, not a workload.
const maxFrameBytes = 16 << 20

// connIdleTimeout applies between rounds, when no round deadline is set.
const connIdleTimeout = 5 * time.Minute

// Envelope is the frame body: a type tag plus the type's JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload for the wire.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.New(errors.KindInternal, "encode frame payload").
			WithWrapped(err).
			Build()
	}
	return &Envelope{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the payload into the caller's message struct.
func (e *Envelope) Decode(into interface{}) error {
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return errors.NewIntegrity("malformed " + e.Type + " payload")
	}
	return nil
}

// WriteFrame writes one length-prefixed frame: 4-byte big-endian length,
// then the JSON envelope.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.New(errors.KindInternal, "encode frame").
			WithWrapped(err).
			Build()
	}
	if len(body) > maxFrameBytes {
		return errors.NewValidation("frame exceeds size limit")
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame. Oversized lengths abort the
// connection before any payload is buffered.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || length > maxFrameBytes {
		return nil, errors.NewIntegrity("frame length outside protocol bounds")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.NewIntegrity("malformed frame envelope")
	}
	return &env, nil
}

// RegisterRequest introduces a client: identity, signing key, capacity.
type RegisterRequest struct {
	ClientID  string         `json:"client_id"`
	PublicKey []byte         `json:"public_key"`
	Capacity  ResourceReport `json:"capacity"`
}

// RegisterAck confirms registration and tells the client its shard.
type RegisterAck struct {
	ClientID string `json:"client_id"`
	Shard    int    `json:"shard"`
}

// ModelRequest asks for the current model, or a retained version when a
// straggler needs the weights its round opened with.
type ModelRequest struct {
	ClientID string `json:"client_id"`
	Version  uint64 `json:"version,omitempty"`
}

// UpdateAck reports whether a submitted update entered the round.
type UpdateAck struct {
	RoundID  string `json:"round_id"`
	ClientID string `json:"client_id"`
	Accepted bool   `json:"accepted"`
	Banked   bool   `json:"banked,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorResponse carries a failure back to the client with its error kind.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler is the aggregator-side protocol surface the transport drives.
type Handler interface {
	HandleRegister(ctx context.Context, req RegisterRequest) (RegisterAck, error)
	HandleUpdate(ctx context.Context, update *ClientUpdate) (UpdateAck, error)
	HandleModelRequest(ctx context.Context, req ModelRequest) (*GlobalModel, error)
}

// clientConn serializes writes: the connection's own read loop replies on
// it while round fan-out broadcasts to it.
type clientConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *clientConn) send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.conn, env)
}

// Server accepts worker connections and speaks the framed protocol, one
// goroutine per connection. Registered connections stay tracked for
// training-config fan-out until they drop.
type Server struct {
	addr     string
	handler  Handler
	log      logger.Logger
	deadline func() time.Time

	mu       sync.Mutex
	listener net.Listener
	byClient map[string]*clientConn
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer builds the transport. deadline supplies the active round
// deadline for read timeouts; a zero time falls back to the idle timeout.
func NewServer(addr string, handler Handler, deadline func() time.Time) *Server {
	if deadline == nil {
		deadline = func() time.Time { return time.Time{} }
	}
	return &Server{
		addr:     addr,
		handler:  handler,
		log:      logger.New("fl.transport"),
		deadline: deadline,
		byClient: make(map[string]*clientConn),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.NewUnavailable("fl listener", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("federated transport listening", logger.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address, useful when configured with port zero.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	cc := &clientConn{conn: conn}
	var clientID string
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		if clientID != "" && s.byClient[clientID] == cc {
			delete(s.byClient, clientID)
		}
		s.mu.Unlock()
	}()

	ctx := context.Background()
	reader := bufio.NewReader(conn)
	for {
		if d := s.deadline(); !d.IsZero() {
			conn.SetReadDeadline(d)
		} else {
			conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		}

		env, err := ReadFrame(reader)
		if err != nil {
			if err != io.EOF && !errors.IsKind(err, errors.KindIntegrity) {
				s.log.Debug("connection read ended", logger.Error(err))
			}
			return
		}

		switch env.Type {
		case MsgRegister:
			var req RegisterRequest
			if err := env.Decode(&req); err != nil {
				s.sendError(cc, err)
				continue
			}
			ack, err := s.handler.HandleRegister(ctx, req)
			if err != nil {
				s.sendError(cc, err)
				continue
			}
			clientID = req.ClientID
			s.mu.Lock()
			s.byClient[clientID] = cc
			s.mu.Unlock()
			s.reply(cc, MsgAck, ack)

		case MsgUpdate:
			var update ClientUpdate
			if err := env.Decode(&update); err != nil {
				s.sendError(cc, err)
				continue
			}
			ack, err := s.handler.HandleUpdate(ctx, &update)
			if err != nil {
				s.sendError(cc, err)
				continue
			}
			s.reply(cc, MsgAck, ack)

		case MsgModelRequest:
			var req ModelRequest
			if err := env.Decode(&req); err != nil {
				s.sendError(cc, err)
				continue
			}
			model, err := s.handler.HandleModelRequest(ctx, req)
			if err != nil {
				s.sendError(cc, err)
				continue
			}
			s.reply(cc, MsgModel, model)

		default:
			s.sendError(cc, errors.NewValidation("unknown message type: "+env.Type))
		}
	}
}

func (s *Server) reply(cc *clientConn, msgType string, payload interface{}) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		s.log.Error("encode reply", logger.Error(err))
		return
	}
	if err := cc.send(env); err != nil {
		s.log.Debug("reply write failed", logger.Error(err))
	}
}

func (s *Server) sendError(cc *clientConn, err error) {
	resp := ErrorResponse{
		Code:    string(errors.KindOf(err)),
		Message: err.Error(),
	}
	env, encErr := NewEnvelope(MsgError, resp)
	if encErr != nil {
		return
	}
	cc.send(env)
}

// Broadcast fans a training config out to the selected clients and returns
// the ids it reached. Clients without a live connection are skipped; they
// pull the config when they reconnect and miss this round.
func (s *Server) Broadcast(clientIDs []string, cfg *TrainingConfig) []string {
	env, err := NewEnvelope(MsgTrainingConfig, cfg)
	if err != nil {
		s.log.Error("encode training config", logger.Error(err))
		return nil
	}

	delivered := make([]string, 0, len(clientIDs))
	for _, id := range clientIDs {
		s.mu.Lock()
		cc := s.byClient[id]
		s.mu.Unlock()
		if cc == nil {
			continue
		}
		if err := cc.send(env); err != nil {
			s.log.Debug("training config delivery failed",
				logger.String("client_id", id),
				logger.Error(err))
			continue
		}
		delivered = append(delivered, id)
	}
	return delivered
}

// Stop closes the listener and every connection, then waits for the
// per-connection goroutines within the context budget.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.NewTimeout("fl transport shutdown", 0)
	}
}
