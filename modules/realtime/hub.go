// Package realtime is the push side of the generation pipeline: token-gated
// websocket rooms, fire-and-forget publishing, and fan-out across server
// instances over Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quel-gen-server/modules/common/model"
)

const (
	defaultChannel = "gen:realtime"
	sendBuffer     = 32
	maxMessageSize = 64 * 1024
)

// Event - 방에 전달되는 메시지
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// envelope - Redis 채널로 오가는 형식
type envelope struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// inbound - 내부 클라이언트가 보내는 명령
type inbound struct {
	Type  string          `json:"type"` // "publish" | "wake"
	Room  string          `json:"room,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
	Queue string          `json:"queue,omitempty"`
}

// Waker - 디스패처 깨우기
type Waker interface {
	Wake(class model.QueueClass)
}

// Config - Hub 설정
type Config struct {
	InternalSubject string
	Channel         string
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// Client - 연결된 websocket 하나 (방 하나에만 속함)
type Client struct {
	conn     *websocket.Conn
	room     string
	subject  string
	internal bool
	send     chan []byte
}

// Hub - 방 목록 + 발행
type Hub struct {
	cfg      Config
	issuer   *Issuer
	redis    goredis.UniversalClient
	waker    Waker
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// Option configures Hub.
type Option func(*Hub)

// WithRedis - 인스턴스 간 fan-out 사용
func WithRedis(client goredis.UniversalClient) Option {
	return func(h *Hub) { h.redis = client }
}

// WithWaker - 내부 클라이언트의 wake 명령을 받을 디스패처
func WithWaker(w Waker) Option {
	return func(h *Hub) { h.waker = w }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// NewHub - Hub 생성
func NewHub(cfg Config, issuer *Issuer, opts ...Option) *Hub {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	h := &Hub{
		cfg:    cfg,
		issuer: issuer,
		logger: zap.NewNop(),
		rooms:  make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			// 토큰으로 인증하므로 origin은 제한하지 않음
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start - Redis 채널 구독 시작 (구독이 확인된 뒤 반환). Redis가 없으면 no-op
func (h *Hub) Start(ctx context.Context) error {
	if h.redis == nil {
		return nil
	}

	sub := h.redis.Subscribe(ctx, h.cfg.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("realtime: subscribe %s: %w", h.cfg.Channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					h.logger.Warn("⚠️  Dropping malformed fan-out message", zap.Error(err))
					continue
				}
				h.deliver(env.Room, env.Payload)
			}
		}
	}()

	h.logger.Info("📡 Realtime fan-out subscribed", zap.String("channel", h.cfg.Channel))
	return nil
}

// Publish - 방에 이벤트 발행. 구독자가 없으면 그냥 버려짐
func (h *Hub) Publish(ctx context.Context, room string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	return h.publishRaw(ctx, room, payload)
}

func (h *Hub) publishRaw(ctx context.Context, room string, payload json.RawMessage) error {
	if h.redis == nil {
		h.deliver(room, payload)
		return nil
	}

	data, err := json.Marshal(envelope{Room: room, Payload: payload})
	if err != nil {
		return fmt.Errorf("realtime: encode envelope: %w", err)
	}
	if err := h.redis.Publish(ctx, h.cfg.Channel, data).Err(); err != nil {
		// 다른 인스턴스에는 못 가더라도 이 인스턴스의 구독자에게는 전달
		h.logger.Warn("⚠️  Fan-out publish failed, delivering locally", zap.String("room", room), zap.Error(err))
		h.deliver(room, payload)
	}
	return nil
}

// deliver - 이 인스턴스에 연결된 방 구성원에게 전송
func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("⚠️  Client send buffer full, dropping event", zap.String("room", room))
		}
	}
}

// ClientCount - 방에 연결된 클라이언트 수 (이 인스턴스 기준)
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	count := len(members)
	h.mu.Unlock()

	h.logger.Info("👤 Client joined room",
		zap.String("room", c.room),
		zap.Bool("internal", c.internal),
		zap.Int("clients", count))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if ok {
		if _, present := members[c]; present {
			delete(members, c)
			close(c.send)
		}
		// 빈 방은 바로 정리
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	h.mu.Unlock()

	h.logger.Info("👋 Client left room", zap.String("room", c.room))
}

// ServeWS - GET /ws?token=... 토큰 검증 후에만 업그레이드
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.issuer.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Debug("🚫 Websocket token rejected", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("❌ Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		conn:     conn,
		room:     Room(claims.Purpose, claims.Subject),
		subject:  claims.Subject,
		internal: h.cfg.InternalSubject != "" && claims.Subject == h.cfg.InternalSubject,
		send:     make(chan []byte, sendBuffer),
	}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump - 일반 클라이언트는 수신만, 내부 클라이언트만 publish / wake 가능
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read error", zap.String("room", c.room), zap.Error(err))
			}
			return
		}

		if !c.internal {
			// 수신 전용
			continue
		}

		switch msg.Type {
		case "publish":
			if msg.Room == "" || len(msg.Event) == 0 {
				continue
			}
			if err := h.publishRaw(context.Background(), msg.Room, msg.Event); err != nil {
				h.logger.Warn("⚠️  Internal publish failed", zap.String("room", msg.Room), zap.Error(err))
			}
		case "wake":
			class, err := model.ParseClass(msg.Queue)
			if err != nil || h.waker == nil {
				continue
			}
			h.waker.Wake(class)
		}
	}
}

// writePump - 전송 + 주기적인 ping
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Websocket write error", zap.String("room", c.room), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
