package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/myrialabs/agentstream/events"
	"github.com/myrialabs/agentstream/internal/logger"
	"github.com/myrialabs/agentstream/stream"
	"go.uber.org/zap"
)

// ConnNotifier pushes a notification to one connection.
type ConnNotifier interface {
	Notify(connID string, method string, params interface{}) error
}

// Handler dispatches JSON-RPC methods against the stream registry and
// relays stream events to subscribed connections.
type Handler struct {
	registry *MethodRegistry
	streams  *stream.Registry
	notifier ConnNotifier

	mu   sync.Mutex
	subs map[string]map[string]func()
}

// NewHandler creates a handler and registers the stream methods.
func NewHandler(streams *stream.Registry) *Handler {
	h := &Handler{
		registry: NewMethodRegistry(),
		streams:  streams,
		subs:     make(map[string]map[string]func()),
	}
	h.registerStreamMethods()
	h.registerSystemMethods()
	return h
}

// SetNotifier injects the connection notifier used for event relay.
func (h *Handler) SetNotifier(n ConnNotifier) {
	h.notifier = n
}

// HandleRequest dispatches one request and never returns nil.
func (h *Handler) HandleRequest(connID string, req *Request) *Response {
	if req == nil {
		return NewErrorResponse("", ErrorInvalidRequest, "nil request")
	}

	result, err := h.registry.Call(req.Method, connID, req.Params)
	if err != nil {
		logger.Error("Method execution failed",
			zap.String("method", req.Method),
			zap.String("conn_id", connID),
			zap.Error(err))
		code := ErrorInternalError
		var mnf *MethodNotFoundError
		if errors.As(err, &mnf) {
			code = ErrorMethodNotFound
		}
		var ip *InvalidParamsError
		if errors.As(err, &ip) {
			code = ErrorInvalidParams
		}
		return NewErrorResponse(req.ID, code, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// DropConnection releases every subscription the connection held.
func (h *Handler) DropConnection(connID string) {
	h.mu.Lock()
	subs := h.subs[connID]
	delete(h.subs, connID)
	h.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", &InvalidParamsError{Message: key + " parameter is required"}
	}
	return v, nil
}

func optionalString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func (h *Handler) registerStreamMethods() {
	h.registry.Register("stream.start", func(connID string, params map[string]interface{}) (interface{}, error) {
		sessionID, err := stringParam(params, "sessionId")
		if err != nil {
			return nil, err
		}
		prompt, err := stringParam(params, "prompt")
		if err != nil {
			return nil, err
		}
		sampling, _ := params["sampling"].(map[string]interface{})

		id, err := h.streams.Start(stream.StartRequest{
			ProjectID:   optionalString(params, "projectId"),
			ProjectPath: optionalString(params, "projectPath"),
			SessionID:   sessionID,
			Prompt:      prompt,
			Model:       optionalString(params, "model"),
			Account:     optionalString(params, "account"),
			Sampling:    sampling,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"streamId": id}, nil
	})

	h.registry.Register("stream.cancel", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cancelled": h.streams.Cancel(id)}, nil
	})

	h.registry.Register("stream.get", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		snap, ok := h.streams.Get(id)
		if !ok {
			return nil, &InvalidParamsError{Message: "stream not found: " + id}
		}
		return snap, nil
	})

	h.registry.Register("stream.events", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		evs, ok := h.streams.Events(id)
		if !ok {
			return nil, &InvalidParamsError{Message: "stream not found: " + id}
		}
		return map[string]interface{}{"events": evs}, nil
	})

	// Subscribes first and returns the buffered events afterwards; frames
	// around the boundary can appear in both, consumers dedupe by seq.
	h.registry.Register("stream.subscribe", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		if _, ok := h.streams.Get(id); !ok {
			return nil, &InvalidParamsError{Message: "stream not found: " + id}
		}

		unsub := h.streams.Subscribe(id, func(ev events.Event) {
			h.relay(connID, ev)
		})

		h.mu.Lock()
		if old, ok := h.subs[connID][id]; ok {
			old()
		}
		if h.subs[connID] == nil {
			h.subs[connID] = make(map[string]func())
		}
		h.subs[connID][id] = unsub
		h.mu.Unlock()

		evs, _ := h.streams.Events(id)
		return map[string]interface{}{
			"subscribed": true,
			"events":     evs,
		}, nil
	})

	h.registry.Register("stream.unsubscribe", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		unsub, ok := h.subs[connID][id]
		delete(h.subs[connID], id)
		h.mu.Unlock()
		if ok {
			unsub()
		}
		return map[string]interface{}{"unsubscribed": ok}, nil
	})

	h.registry.Register("stream.list", func(connID string, params map[string]interface{}) (interface{}, error) {
		var snaps []stream.Snapshot
		switch {
		case params["projectId"] != nil:
			snaps = h.streams.ListByProject(optionalString(params, "projectId"))
		case params["active"] == true:
			snaps = h.streams.ListActive()
		default:
			snaps = h.streams.ListAll()
		}
		return map[string]interface{}{"streams": snaps}, nil
	})

	h.registry.Register("stream.remove", func(connID string, params map[string]interface{}) (interface{}, error) {
		id, err := stringParam(params, "streamId")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"removed": h.streams.Remove(id)}, nil
	})

	h.registry.Register("stream.cleanup", func(connID string, params map[string]interface{}) (interface{}, error) {
		var removed int
		if project := optionalString(params, "projectId"); project != "" {
			removed = h.streams.CleanupProject(project)
		} else {
			removed = h.streams.CleanupAllTerminal()
		}
		return map[string]interface{}{"removed": removed}, nil
	})
}

func (h *Handler) registerSystemMethods() {
	h.registry.Register("health", func(connID string, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"version":   ProtocolVersion,
		}, nil
	})
}

func (h *Handler) relay(connID string, ev events.Event) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(connID, "stream.event", ev); err != nil {
		logger.Debug("Event relay failed",
			zap.String("conn_id", connID),
			zap.String("stream_id", ev.StreamID),
			zap.Error(err))
	}
}
