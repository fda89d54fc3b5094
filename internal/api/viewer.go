package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/super-hydro/superhydro/internal/client"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/protocol"
	"github.com/super-hydro/superhydro/internal/transport"
	"github.com/super-hydro/superhydro/pkg/logger"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// viewerConn is one websocket viewer. Text frames carry ViewerReply JSON;
// binary frames carry density arrays in the array payload encoding.
type viewerConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	client *client.Client
	logger *logger.Logger
}

// write sends a websocket message guarded by the viewer's mutex and write deadline.
func (v *viewerConn) write(messageType int, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return v.conn.WriteMessage(messageType, data)
}

func (v *viewerConn) reply(r models.ViewerReply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return v.write(websocket.TextMessage, data)
}

// Viewer attaches a websocket client to a session: connecting attaches,
// disconnecting detaches. The optional "model" query parameter picks the
// model if the session is created, "fps" caps the frame rate.
func (h *Handler) Viewer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fps := h.viewerFPS
	if s := r.URL.Query().Get("fps"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= fps {
			fps = f
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", logger.Err(err))
		return
	}
	defer conn.Close()

	tr := transport.NewLocal(h.registry, h.logger)
	defer tr.Close()

	v := &viewerConn{
		conn:   conn,
		client: client.New(tr, name),
		logger: h.logger.With(logger.F("session", name), logger.F("viewer", GetRequestID(r.Context()))),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := v.client.Attach(ctx, r.URL.Query().Get("model")); err != nil {
		v.reply(models.ViewerReply{Type: "error", Error: err.Error()})
		return
	}
	v.logger.Info("Viewer attached")

	cmds, err := v.client.Commands(ctx)
	if err == nil {
		raw, _ := json.Marshal(cmds)
		err = v.reply(models.ViewerReply{Type: "init", Value: raw})
	}
	if err != nil {
		v.logger.Warn("Viewer init failed", logger.Err(err))
		v.client.Detach(ctx)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.push(ctx, fps)
	}()

	v.readLoop(ctx)
	cancel()
	<-done

	if err := v.client.Detach(context.Background()); err != nil {
		v.logger.Warn("Viewer detach failed", logger.Err(err))
	}
	v.logger.Info("Viewer detached")
}

// push streams density frames until ctx is done or a write fails.
func (v *viewerConn) push(ctx context.Context, fps float64) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		density, err := v.client.GetArray(ctx, "density")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var remote *models.RemoteError
			if errors.As(err, &remote) {
				if v.reply(models.ViewerReply{Type: "error", Target: "density", Error: err.Error()}) != nil {
					return
				}
				continue
			}
			return
		}
		frame, err := protocol.Encode(density)
		if err != nil {
			v.logger.Error("Failed to encode frame", logger.Err(err))
			return
		}
		if err := v.write(websocket.BinaryMessage, frame); err != nil {
			v.logger.Debug("Frame write failed", logger.Err(err))
			v.conn.Close()
			return
		}
	}
}

// readLoop applies viewer messages until the socket closes.
func (v *viewerConn) readLoop(ctx context.Context) {
	for {
		var msg models.ViewerMessage
		if err := v.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				v.logger.Debug("Viewer read ended", logger.Err(err))
			}
			return
		}
		if err := v.reply(v.apply(ctx, msg)); err != nil {
			return
		}
	}
}

func (v *viewerConn) apply(ctx context.Context, msg models.ViewerMessage) models.ViewerReply {
	fail := func(err error) models.ViewerReply {
		return models.ViewerReply{Type: "error", Target: msg.Target, Error: err.Error()}
	}

	switch msg.Type {
	case "set":
		if err := v.client.Set(ctx, msg.Target, msg.Value); err != nil {
			return fail(err)
		}
		return models.ViewerReply{Type: "param_up", Target: msg.Target, Value: msg.Value}
	case "do":
		if err := v.client.Do(ctx, msg.Target); err != nil {
			return fail(err)
		}
		return models.ViewerReply{Type: "done", Target: msg.Target}
	case "get":
		var raw json.RawMessage
		if err := v.client.Get(ctx, msg.Target, &raw); err != nil {
			return fail(err)
		}
		return models.ViewerReply{Type: "value", Target: msg.Target, Value: raw}
	}
	return models.ViewerReply{Type: "error", Target: msg.Target, Error: "unknown message type " + strconv.Quote(msg.Type)}
}
