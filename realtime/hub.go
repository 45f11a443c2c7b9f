// Package realtime pushes ResourceStore invalidations to connected clients
// over socket.io so they can refetch instead of polling.
package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

const (
	EventSubscribe   = "subscribe"
	EventSubscribed  = "subscribe-ack"
	EventInvalidated = "resource-invalidated"

	globalRoom = socketio.Room("resources")
)

// Authenticator resolves the bearer token sent with a subscription.
type Authenticator func(token string) (*core.User, error)

type ackInvoker func(err error, payload map[string]any)

type Hub struct {
	srv  *socketio.Server
	auth Authenticator

	mu      sync.Mutex
	unbinds []func()
}

// NewHub creates the socket.io server. Origins lists the allowed CORS
// origins; none allows any origin.
func NewHub(auth Authenticator, origins ...string) *Hub {
	opts := socketio.DefaultServerOptions()
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	var origin any = "*"
	if len(origins) > 0 {
		allowed := make([]any, len(origins))
		for i, o := range origins {
			allowed[i] = o
		}
		origin = allowed
	}
	opts.SetCors(&types.Cors{Origin: origin, Credentials: true})

	h := &Hub{srv: socketio.NewServer(nil, opts), auth: auth}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	h.srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		log := logrus.WithField("socket", socket.Id())
		log.Debug("Socket connected")

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On(EventSubscribe, func(datas ...any) {
			ack, args := extractAck(datas)
			token := ""
			if len(args) > 0 {
				token, _ = args[0].(string)
			}

			rooms, err := h.rooms(token)
			if err != nil {
				log.WithError(err).Info("Rejected subscription")
				respondWithAck(socket, ack, map[string]any{"status": "error", "error": err.Error()}, err)
				return
			}
			socket.Join(rooms...)
			log.WithField("rooms", rooms).Debug("Socket subscribed")
			respondWithAck(socket, ack, map[string]any{"status": "ok", "rooms": len(rooms)}, nil)
		})

		//nolint:errcheck // Socket.IO event handlers do not return useful errors
		socket.On("disconnect", func(datas ...any) {
			socket.RemoveAllListeners("")
		})
	})
	return h
}

// rooms returns the rooms a subscriber joins: everyone receives shared
// resource types, identified users also receive their own.
func (h *Hub) rooms(token string) ([]socketio.Room, error) {
	rooms := []socketio.Room{globalRoom}
	if token == "" {
		return rooms, nil
	}
	if h.auth == nil {
		return nil, errors.New("authentication is not configured")
	}
	user, err := h.auth(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return append(rooms, userRoom(user.ID)), nil
}

func userRoom(userID string) socketio.Room {
	return socketio.Room("user:" + userID)
}

// roomFor returns the room told about an invalidated key.
func roomFor(key cache.Key) socketio.Room {
	if key.UserID == "" {
		return globalRoom
	}
	return userRoom(key.UserID)
}

func payloadFor(key cache.Key) map[string]any {
	return map[string]any{"type": key.Type, "shared": key.UserID == ""}
}

// Bind forwards every invalidation of store to subscribers.
func (h *Hub) Bind(store *cache.ResourceStore) {
	unbind := store.Subscribe(h.Publish)
	h.mu.Lock()
	h.unbinds = append(h.unbinds, unbind)
	h.mu.Unlock()
}

// Publish tells the subscribers of key that it changed.
func (h *Hub) Publish(key cache.Key) {
	if err := h.srv.To(roomFor(key)).Emit(EventInvalidated, payloadFor(key)); err != nil {
		logrus.WithError(err).WithField("key", key.String()).Warn("Failed to publish invalidation")
	}
}

func (h *Hub) Handler() http.Handler {
	return h.srv.ServeHandler(nil)
}

// Close stops forwarding invalidations and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, unbind := range h.unbinds {
		unbind()
	}
	h.unbinds = nil
	h.mu.Unlock()
	h.srv.Close(nil)
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts the client's acknowledgement callback, whatever its
// signature, to (error, payload).
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}
	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}
	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var v any
			switch {
			case typ.NumIn() == 1 && err == nil:
				v = payload
			case typ.NumIn() == 1, i == 0:
				v = err
			case i == 1:
				v = payload
			}
			args[i] = coerce(v, typ.In(i))
		}
		value.Call(args)
	}
}

func coerce(v any, target reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(target)
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(target):
		return rv
	case rv.Type().ConvertibleTo(target):
		return rv.Convert(target)
	case target.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(v)).Convert(target)
	}
	return reflect.Zero(target)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, payload map[string]any, err error) {
	if ack != nil {
		ack(err, payload)
		return
	}
	_ = socket.Emit(EventSubscribed, payload)
}
