package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/domain"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS runs one client connection: a read loop for protocol messages and a
// write pump draining the client's outbox.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := h.hub.Register(ctx)
	if err != nil {
		h.logger.Error("Register failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "gateway unavailable"),
			time.Now().Add(time.Second))
		return
	}
	log := h.logger.With("client_id", client.ID, "remote", r.RemoteAddr)
	log.Info("Client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		// Unblocks the read loop when the write side gives up.
		defer conn.Close()
		h.writePump(ctx, conn, client.Outbox())
	}()

	if h.opts.SnapshotOnConnect {
		// Nothing is subscribed yet, so send the whole cached market.
		if err := h.hub.RequestFullSnapshot(ctx, client.ID); err != nil {
			log.Warn("Snapshot on connect failed", "error", err)
		}
	}

	h.readLoop(ctx, conn, client.ID, client.Outbox())

	if err := h.hub.Unregister(context.Background(), client.ID); err != nil && !isHubGone(err) {
		log.Warn("Unregister failed", "error", err)
	}
	cancel()
	conn.Close()
	<-writerDone
	log.Info("Client disconnected")
}

type replier interface {
	Push(domain.Envelope) (bool, error)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, clientID string, out replier) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Read failed", "client_id", clientID, "error", err)
			}
			return
		}

		if err := h.handleMessage(ctx, clientID, data); err != nil {
			if isHubGone(err) || ctx.Err() != nil {
				return
			}
			reply(out, err)
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, clientID string, data []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Event {
	case domain.KindSubscribe, domain.KindUnsubscribe:
		var p domain.SubscriptionParams
		if err := env.Decode(&p); err != nil {
			return err
		}
		if env.Event == domain.KindSubscribe {
			return h.hub.Subscribe(ctx, clientID, p)
		}
		return h.hub.Unsubscribe(ctx, clientID, p)
	case domain.KindSnapshotRequest:
		return h.hub.RequestSnapshot(ctx, clientID)
	case domain.KindDataUpdate, domain.KindSnapshot, domain.KindError:
		return fmt.Errorf("%s is sent by the gateway only", env.Event)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessageKind, env.Event)
	}
}

func reply(out replier, err error) {
	env, encErr := domain.NewEnvelope(domain.KindError, domain.ErrorPayload{Message: err.Error()})
	if encErr != nil {
		return
	}
	_, _ = out.Push(env)
}

type outbox interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Drain([]domain.Envelope) []domain.Envelope
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, out outbox) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var batch []domain.Envelope
	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Done():
			// Flush what was queued before the hub let go of the client.
			batch = out.Drain(batch[:0])
			for _, env := range batch {
				if err := h.write(conn, env); err != nil {
					return
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway closed"),
				time.Now().Add(h.opts.WriteTimeout))
			return
		case <-out.Ready():
			batch = out.Drain(batch[:0])
			for _, env := range batch {
				if err := h.write(conn, env); err != nil {
					h.logger.Warn("Write failed", "error", err)
					return
				}
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, env domain.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	return conn.WriteJSON(env)
}
