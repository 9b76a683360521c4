// Package observer is the websocket front of the culling engine. Observers
// say HELLO with their pose, stream POSE updates and change their settings;
// the server is also the engine's Renderer and turns every applied batch into
// a VISIBILITY message on the observer's connection.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelcull.ai/internal/protocol"
	"voxelcull.ai/internal/sim/culling"
	"voxelcull.ai/internal/sim/policy"
)

const DefaultViewDistance = 10

// Engine is the part of *culling.Engine the server drives.
type Engine interface {
	ObserverConnected(obs culling.ObserverID, st culling.ObserverState)
	ObserverDisconnected(obs culling.ObserverID)
	UpdateObserver(obs culling.ObserverID, st culling.ObserverState)
	Policy(obs culling.ObserverID) (policy.Policy, bool)
	SetPolicy(obs culling.ObserverID, p policy.Policy) (policy.Policy, bool)
	SetPreset(obs culling.ObserverID, id string) (policy.Policy, error)
	SetCullingEnabled(obs culling.ObserverID, on bool) bool
	CullingEnabled(obs culling.ObserverID) bool
	Catalog() *policy.Catalog
}

type Config struct {
	TickDurationMs int
	// KnownWorld reports whether observers may be in a world. Nil allows any.
	KnownWorld func(string) bool
	// QueueSize is the per-connection outbound buffer. A connection whose
	// buffer overflows is closed.
	QueueSize int
}

type Server struct {
	cfg Config
	log *log.Logger

	engMu  sync.RWMutex
	engine Engine

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[culling.ObserverID]*session

	stats struct {
		accepted atomic.Int64
		rejected atomic.Int64
		sent     atomic.Int64
		overflow atomic.Int64
	}
}

func NewServer(cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TickDurationMs <= 0 {
		cfg.TickDurationMs = 50
	}
	return &Server{
		cfg: cfg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: map[culling.ObserverID]*session{},
	}
}

// Attach sets the engine. The engine takes the server as its Renderer, so
// the two are built in that order and joined here.
func (s *Server) Attach(e Engine) {
	s.engMu.Lock()
	s.engine = e
	s.engMu.Unlock()
}

func (s *Server) eng() Engine {
	s.engMu.RLock()
	defer s.engMu.RUnlock()
	return s.engine
}

// session is one observer connection. Messages queued before WELCOME is
// written are held back so the observer always sees WELCOME first.
type session struct {
	id     culling.ObserverID
	out    chan []byte
	cancel context.CancelFunc

	mu       sync.Mutex
	welcomed bool
	backlog  [][]byte
	closed   bool
	seq      uint64
	world    string
	proxies  bool
	viewDist int
}

func (c *session) push(b []byte) bool {
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

// Apply implements culling.Renderer. It is safe to call from any goroutine.
func (s *Server) Apply(obs culling.ObserverID, b culling.Batch) {
	s.mu.RLock()
	c := s.conns[obs]
	s.mu.RUnlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.seq++
	msg := protocol.VisibilityMsg{
		Type:            protocol.TypeVisibility,
		ProtocolVersion: protocol.Version,
		Seq:             c.seq,
		Objects:         protocol.IDSetOf(b.Objects),
		Groups:          protocol.IDSetOf(b.Groups),
		Proxies:         protocol.IDSetOf(b.Proxies),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Printf("visibility marshal failed: observer=%s err=%v", obs, err)
		return
	}
	if !c.welcomed {
		c.backlog = append(c.backlog, raw)
		return
	}
	if !c.push(raw) {
		// A dropped batch would leave the client out of sync; close instead.
		s.stats.overflow.Add(1)
		c.closed = true
		c.cancel()
		s.log.Printf("observer queue overflow: observer=%s", obs)
		return
	}
	s.stats.sent.Add(1)
}

func (s *Server) send(c *session, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.push(raw) {
		s.stats.overflow.Add(1)
		c.closed = true
		c.cancel()
	}
}

// welcome queues WELCOME followed by anything Apply held back.
func (s *Server) welcome(c *session, msg protocol.WelcomeMsg) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.welcomed = true
	for _, b := range append([][]byte{raw}, c.backlog...) {
		if !c.push(b) {
			s.stats.overflow.Add(1)
			c.closed = true
			c.cancel()
			return
		}
	}
	c.backlog = nil
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		eng := s.eng()
		if eng == nil {
			closeWith(conn, websocket.CloseTryAgainLater, "server starting")
			return
		}

		hello, ok := s.readHello(conn)
		if !ok {
			s.stats.rejected.Add(1)
			return
		}

		id := culling.ObserverID(strings.TrimSpace(hello.ObserverID))
		if id == "" {
			id = culling.ObserverID(uuid.NewString())
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		c := &session{
			id:       id,
			out:      make(chan []byte, s.cfg.QueueSize),
			cancel:   cancel,
			world:    hello.World,
			proxies:  hello.RenderProxies,
			viewDist: viewDistance(hello.ViewDistance),
		}

		s.mu.Lock()
		if _, dup := s.conns[id]; dup {
			s.mu.Unlock()
			s.stats.rejected.Add(1)
			_ = writeJSON(conn, protocol.NewError(protocol.ErrBadRequest, "observer already connected", protocol.TypeHello))
			closeWith(conn, websocket.ClosePolicyViolation, "duplicate observer")
			return
		}
		s.conns[id] = c
		s.mu.Unlock()
		s.stats.accepted.Add(1)

		defer func() {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			s.mu.Lock()
			if s.conns[id] == c {
				delete(s.conns, id)
			}
			s.mu.Unlock()
			eng.ObserverDisconnected(id)
		}()

		eng.ObserverConnected(id, c.state(hello.Feet, hello.Eye))
		s.welcome(c, protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			ObserverID:      string(id),
			World:           hello.World,
			TickDurationMs:  s.cfg.TickDurationMs,
			Settings:        s.settings(eng, id),
			Presets:         presetRefs(eng.Catalog()),
		})
		s.log.Printf("observer session: observer=%s world=%s remote=%s", id, hello.World, r.RemoteAddr)

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader goroutine; ReadMessage cannot be interrupted by ctx.
		go func() {
			<-ctx.Done()
			_ = conn.SetReadDeadline(time.Now())
		}()

		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handle(eng, c, msg)
		}

		cancel()
		<-writeDone
		closeWith(conn, websocket.CloseNormalClosure, "bye")
	}
}

func (s *Server) readHello(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, false
	}
	base, err := protocol.Validate(msg)
	if err == nil && base.Type != protocol.TypeHello {
		err = errors.New("expected HELLO")
	}
	if err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error(), base.Type))
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return hello, false
	}
	if base.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version "+base.ProtocolVersion, protocol.TypeHello))
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return hello, false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, false
	}
	if s.cfg.KnownWorld != nil && !s.cfg.KnownWorld(hello.World) {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrWorldNotFound, "unknown world "+hello.World, protocol.TypeHello))
		closeWith(conn, websocket.ClosePolicyViolation, "unknown world")
		return hello, false
	}
	return hello, true
}

func (s *Server) handle(eng Engine, c *session, msg []byte) {
	base, err := protocol.Validate(msg)
	if err != nil {
		s.send(c, protocol.NewError(protocol.ErrProtoBadRequest, err.Error(), base.Type))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.send(c, protocol.NewError(protocol.ErrProtoVersion, "unsupported protocol_version "+base.ProtocolVersion, base.Type))
		return
	}

	switch base.Type {
	case protocol.TypePose:
		var m protocol.PoseMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		if m.World != "" && s.cfg.KnownWorld != nil && !s.cfg.KnownWorld(m.World) {
			s.send(c, protocol.NewError(protocol.ErrWorldNotFound, "unknown world "+m.World, base.Type))
			return
		}
		c.mu.Lock()
		if m.World != "" {
			c.world = m.World
		}
		if m.ViewDistance > 0 {
			c.viewDist = viewDistance(m.ViewDistance)
		}
		if m.RenderProxies != nil {
			c.proxies = *m.RenderProxies
		}
		c.mu.Unlock()
		eng.UpdateObserver(c.id, c.state(m.Feet, m.Eye))

	case protocol.TypeSetPolicy:
		var m protocol.SetPolicyMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		eng.SetPolicy(c.id, m.Policy)
		s.sendSettings(eng, c)

	case protocol.TypeSetPreset:
		var m protocol.SetPresetMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		if _, err := eng.SetPreset(c.id, m.Preset); err != nil {
			code := protocol.ErrBadRequest
			if errors.Is(err, policy.ErrUnknownPreset) {
				code = protocol.ErrUnknownPreset
			}
			s.send(c, protocol.NewError(code, err.Error(), base.Type))
			return
		}
		s.sendSettings(eng, c)

	case protocol.TypeSetCulling:
		var m protocol.SetCullingMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		eng.SetCullingEnabled(c.id, m.Enabled)
		s.sendSettings(eng, c)

	default:
		s.send(c, protocol.NewError(protocol.ErrBadRequest, "unexpected message "+base.Type, base.Type))
	}
}

func (s *Server) sendSettings(eng Engine, c *session) {
	s.send(c, protocol.SettingsMsg{
		Type:            protocol.TypeSettings,
		ProtocolVersion: protocol.Version,
		Settings:        s.settings(eng, c.id),
	})
}

func (s *Server) settings(eng Engine, id culling.ObserverID) protocol.Settings {
	p, _ := eng.Policy(id)
	cat := eng.Catalog()
	out := protocol.Settings{Policy: p, CullingEnabled: eng.CullingEnabled(id)}
	if pr, ok := cat.PresetFor(p); ok {
		out.Preset = pr.ID
	}
	if _, forced := cat.Forced(); forced || cat.ForceDisabled() {
		out.Forced = true
	}
	return out
}

func (c *session) state(feet, eye [3]float64) culling.ObserverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return culling.ObserverState{
		World:         c.world,
		Feet:          mgl64.Vec3(feet),
		Eye:           mgl64.Vec3(eye),
		ViewDistance:  c.viewDist,
		RenderProxies: c.proxies,
	}
}

func presetRefs(cat *policy.Catalog) []protocol.PresetRef {
	presets := cat.Presets()
	out := make([]protocol.PresetRef, 0, len(presets))
	for _, p := range presets {
		out = append(out, protocol.PresetRef{ID: p.ID, Index: p.Index, Icon: p.Icon, Policy: p.Policy})
	}
	return out
}

func viewDistance(v int) int {
	if v <= 0 {
		return DefaultViewDistance
	}
	return v
}

// Connected reports whether an observer has a live session.
func (s *Server) Connected(obs culling.ObserverID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[obs]
	return ok
}

type Stats struct {
	Sessions int   `json:"sessions"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Sent     int64 `json:"sent"`
	Overflow int64 `json:"overflow"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		Sessions: n,
		Accepted: s.stats.accepted.Load(),
		Rejected: s.stats.rejected.Load(),
		Sent:     s.stats.sent.Load(),
		Overflow: s.stats.overflow.Load(),
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
