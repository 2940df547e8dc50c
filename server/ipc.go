package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
)

const defaultRSSIRefresh = time.Second

// errUnsupported marks methods a scanned-only tag cannot serve.
var errUnsupported = errors.New("tag is not connected")

// IPCHandler serves the invoke/subscribe protocol used by remote tag
// connections.
type IPCHandler struct {
	registry *Registry
}

var _ ServerHandler = (*IPCHandler)(nil)

func NewIPCHandler(registry *Registry) *IPCHandler {
	return &IPCHandler{registry: registry}
}

func (h *IPCHandler) Register(s HandlerServer) {
	s.Handle(protocol.TypeInvoke, h.handleInvoke)
	s.Handle(protocol.TypeSubscribe, h.handleSubscribe)
	s.Handle(protocol.TypeUnsubscribe, h.handleUnsubscribe)
	s.StartLifecycle(h.registry.Run)
}

// handleInvoke runs the call off the read loop; a sync may take a while.
func (h *IPCHandler) handleInvoke(ctx context.Context, sess *Session, msg protocol.Message) error {
	var req protocol.InvokeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		sess.SendError(msg.ID, protocol.ErrCodeInvalidRequest, "invalid invoke payload")
		return err
	}

	go func() {
		value, err := h.invoke(ctx, req)
		if err != nil {
			sess.SendError(msg.ID, errorCode(err), err.Error())
			return
		}
		if err := sess.Reply(msg.ID, protocol.TypeResult, protocol.InvokeResult{OK: true, Value: value}); err != nil {
			sess.logger.Debug("sending invoke result failed", "method", req.Method, "error", err)
		}
	}()
	return nil
}

func (h *IPCHandler) invoke(ctx context.Context, req protocol.InvokeRequest) (string, error) {
	if req.Method == protocol.MethodSyncLocation {
		s, ok := h.registry.Syncer(req.DeviceID)
		if !ok {
			return "", tag.NewUnknownDeviceError(req.Method, req.DeviceID)
		}
		return s.SyncLocation(ctx).String(), nil
	}

	c, ok := h.registry.Local(req.DeviceID)
	if !ok {
		if _, known := h.registry.Syncer(req.DeviceID); known {
			return "", fmt.Errorf("%s: %w", req.Method, errUnsupported)
		}
		return "", tag.NewUnknownDeviceError(req.Method, req.DeviceID)
	}
	return invokeLocal(ctx, c, req)
}

func invokeLocal(ctx context.Context, c *tag.LocalConnection, req protocol.InvokeRequest) (string, error) {
	arg := func(key string) string { return req.Args[key] }
	failed := func() (string, error) {
		return "", fmt.Errorf("%s failed on %s", req.Method, req.DeviceID)
	}
	done := func(ok bool) (string, error) {
		if !ok {
			return failed()
		}
		return "", nil
	}

	switch req.Method {
	case protocol.MethodBatteryLevel:
		v, ok := c.BatteryHex(ctx)
		if !ok {
			return failed()
		}
		return v, nil

	case protocol.MethodStartRinging:
		r, ok := c.StartRinging(ctx, true).(tag.RingSuccessBluetooth)
		if !ok {
			return failed()
		}
		if !r.VolumeKnown {
			return "", nil
		}
		return r.Volume.Hex(), nil

	case protocol.MethodStopRinging:
		return done(c.StopRinging(ctx))

	case protocol.MethodSetRingVolume:
		v, ok := tag.ParseVolumeLevel(arg(protocol.ArgVolume))
		if !ok {
			return "", invalidArg(req, protocol.ArgVolume)
		}
		return done(c.SetRingVolume(ctx, v))

	case protocol.MethodSetButtonConfig:
		press, ok1 := tag.ParseBoolHex(arg(protocol.ArgPress))
		hold, ok2 := tag.ParseBoolHex(arg(protocol.ArgHold))
		if !ok1 || !ok2 {
			return "", invalidArg(req, protocol.ArgPress+"/"+protocol.ArgHold)
		}
		return done(c.SetButtonConfig(ctx, press, hold))

	case protocol.MethodButtonVolume:
		v, ok := c.ButtonVolume(ctx)
		if !ok {
			return failed()
		}
		return v.Hex(), nil

	case protocol.MethodSetButtonVolume:
		v, ok := tag.ParseButtonVolumeLevel(arg(protocol.ArgVolume))
		if !ok {
			return "", invalidArg(req, protocol.ArgVolume)
		}
		return done(c.SetButtonVolume(ctx, v))

	case protocol.MethodLostModeURL:
		u, ok := c.LostModeURL(ctx)
		if !ok {
			return failed()
		}
		return hex.EncodeToString([]byte(u)), nil

	case protocol.MethodSetLostModeURL:
		u, err := hex.DecodeString(arg(protocol.ArgURL))
		if err != nil {
			return "", invalidArg(req, protocol.ArgURL)
		}
		return done(c.SetLostModeURL(ctx, string(u)))

	case protocol.MethodE2EEnabled:
		v, ok := c.E2EEnabled(ctx)
		if !ok {
			return failed()
		}
		return tag.BoolHex(v), nil

	case protocol.MethodSetE2EEnabled:
		v, ok := tag.ParseBoolHex(arg(protocol.ArgEnabled))
		if !ok {
			return "", invalidArg(req, protocol.ArgEnabled)
		}
		return done(c.SetE2EEnabled(ctx, v))

	case protocol.MethodStartUWB:
		cfg, err := hex.DecodeString(arg(protocol.ArgConfig))
		if err != nil {
			return "", invalidArg(req, protocol.ArgConfig)
		}
		return done(c.StartUWBRanging(ctx, cfg, arg(protocol.ArgPeer)))

	case protocol.MethodStopUWB:
		return done(c.StopUWBRanging(ctx))

	case protocol.MethodDisconnect:
		return done(c.Disconnect(ctx))
	}
	return "", errUnknownMethod{req.Method}
}

type errUnknownMethod struct{ method string }

func (e errUnknownMethod) Error() string { return "unknown method: " + e.method }

func invalidArg(req protocol.InvokeRequest, key string) error {
	return tag.NewInvalidPayloadError(req.Method, fmt.Errorf("bad %s argument", key))
}

func errorCode(err error) string {
	var unknown errUnknownMethod
	switch {
	case errors.As(err, &unknown):
		return protocol.ErrCodeUnknownMethod
	case tag.IsUnknownDeviceError(err):
		return protocol.ErrCodeUnknownDevice
	case tag.GetErrorCode(err) == tag.ErrCodeInvalidPayload:
		return protocol.ErrCodeInvalidRequest
	case errors.Is(err, errUnsupported):
		return protocol.ErrCodeUnsupported
	}
	return protocol.ErrCodeInternalError
}

func (h *IPCHandler) handleSubscribe(ctx context.Context, sess *Session, msg protocol.Message) error {
	var req protocol.SubscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		sess.SendError(msg.ID, protocol.ErrCodeInvalidRequest, "invalid subscribe payload")
		return err
	}

	var source func(ctx context.Context) <-chan any
	switch req.Topic {
	case protocol.TopicDevices:
		source = h.devicesSource
	case protocol.TopicTagState:
		source = h.tagStateSource(req.DeviceID)
	case protocol.TopicAutoSync:
		source = h.autoSyncSource(req.DeviceID)
	case protocol.TopicRSSI:
		c, ok := h.registry.Local(req.DeviceID)
		if !ok {
			sess.SendError(msg.ID, protocol.ErrCodeUnsupported, "rssi needs a connected tag")
			return fmt.Errorf("rssi for %s: %w", req.DeviceID, errUnsupported)
		}
		source = rssiSource(c, req.Args[protocol.ArgRefreshMs])
	default:
		sess.SendError(msg.ID, protocol.ErrCodeUnknownTopic, "unknown topic: "+req.Topic)
		return fmt.Errorf("unknown topic %q", req.Topic)
	}

	id, subCtx := sess.Subscribe()
	// The ack goes out before the first event.
	if err := sess.Reply(msg.ID, protocol.TypeResult, protocol.SubscribeResult{Subscription: id}); err != nil {
		sess.Unsubscribe(id)
		return err
	}

	events := source(subCtx)
	go func() {
		for data := range events {
			raw, err := json.Marshal(data)
			if err != nil {
				continue
			}
			ev := protocol.Event{Subscription: id, Topic: req.Topic, DeviceID: req.DeviceID, Data: raw}
			if err := sess.Reply("", protocol.TypeEvent, ev); err != nil {
				sess.logger.Debug("event delivery failed", "topic", req.Topic, "error", err)
				sess.Unsubscribe(id)
				return
			}
		}
	}()
	return nil
}

func (h *IPCHandler) handleUnsubscribe(ctx context.Context, sess *Session, msg protocol.Message) error {
	var req protocol.UnsubscribeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		sess.SendError(msg.ID, protocol.ErrCodeInvalidRequest, "invalid unsubscribe payload")
		return err
	}
	if !sess.Unsubscribe(req.Subscription) {
		sess.logger.Debug("unsubscribe for unknown subscription", "subscription", req.Subscription)
	}
	return nil
}

func (h *IPCHandler) devicesSource(ctx context.Context) <-chan any {
	return forward(ctx, h.registry.Changes(ctx), func(uint64) (any, bool) {
		return h.registry.Snapshot(), true
	})
}

func (h *IPCHandler) tagStateSource(deviceID string) func(context.Context) <-chan any {
	id := canonicalID(deviceID)
	return func(ctx context.Context) <-chan any {
		return forward(ctx, h.registry.Notifications(ctx), func(n Notification) (any, bool) {
			return protocol.TagStateData{Characteristic: n.Characteristic, Value: n.Value}, n.DeviceID == id
		})
	}
}

func (h *IPCHandler) autoSyncSource(deviceID string) func(context.Context) <-chan any {
	id := canonicalID(deviceID)
	return func(ctx context.Context) <-chan any {
		states := h.registry.SyncStates(ctx)
		out := make(chan any, 16)
		go func() {
			defer close(out)
			if s, ok := h.registry.SyncState(id); ok {
				out <- protocol.AutoSyncData{Syncing: s.Syncing, Result: s.Result}
			}
			for s := range states {
				if s.DeviceID != id {
					continue
				}
				select {
				case out <- protocol.AutoSyncData{Syncing: s.Syncing, Result: s.Result}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

func rssiSource(c *tag.LocalConnection, refreshMs string) func(context.Context) <-chan any {
	refresh := defaultRSSIRefresh
	if ms, err := strconv.Atoi(refreshMs); err == nil && ms > 0 {
		refresh = time.Duration(ms) * time.Millisecond
	}
	return func(ctx context.Context) <-chan any {
		return forward(ctx, c.RSSI(ctx, refresh), func(v int) (any, bool) {
			return protocol.RSSIData{RSSI: v}, true
		})
	}
}

// forward maps in onto an untyped channel until in closes or ctx ends.
func forward[T any](ctx context.Context, in <-chan T, conv func(T) (any, bool)) <-chan any {
	out := make(chan any, 16)
	go func() {
		defer close(out)
		for v := range in {
			data, ok := conv(v)
			if !ok {
				continue
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
