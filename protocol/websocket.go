package protocol

import "encoding/json"

// Discovery and endpoint constants.
const (
	MDNSServiceType = "_tagsync._tcp"
	MDNSDomain      = "local."
	WebSocketPath   = "/ws"
)

// IPC message types.
const (
	TypeInvoke      = "invoke"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeResult      = "result"
	TypeEvent       = "event"
	TypeError       = "error"
)

// Invoke methods. Each resolves to an InvokeResult whose Value carries the
// raw string encoding of the answer.
const (
	MethodBatteryLevel    = "batteryLevel"    // Value: 1-byte percent hex
	MethodStartRinging    = "startRinging"    // Value: ring volume hex
	MethodStopRinging     = "stopRinging"
	MethodSetRingVolume   = "setRingVolume"   // Args: volume
	MethodSetButtonConfig = "setButtonConfig" // Args: press, hold
	MethodButtonVolume    = "buttonVolume"    // Value: volume hex
	MethodSetButtonVolume = "setButtonVolume" // Args: volume
	MethodLostModeURL     = "lostModeUrl"     // Value: hex of the URL bytes
	MethodSetLostModeURL  = "setLostModeUrl"  // Args: url (hex)
	MethodE2EEnabled      = "e2eEnabled"      // Value: "00"/"01"
	MethodSetE2EEnabled   = "setE2eEnabled"   // Args: enabled
	MethodStartUWB        = "startUwb"        // Args: config (hex), peer
	MethodStopUWB         = "stopUwb"
	MethodDisconnect      = "disconnect"
	MethodSyncLocation    = "syncLocation"    // Value: SyncResult name
)

// Argument keys.
const (
	ArgVolume    = "volume"
	ArgPress     = "press"
	ArgHold      = "hold"
	ArgURL       = "url"
	ArgEnabled   = "enabled"
	ArgConfig    = "config"
	ArgPeer      = "peer"
	ArgRefreshMs = "refreshMs"
)

// Subscription topics.
const (
	TopicDevices  = "devices"  // DevicesSnapshot, not device scoped
	TopicTagState = "tagState" // TagStateData
	TopicRSSI     = "rssi"     // RSSIData, Args: refreshMs
	TopicAutoSync = "autoSync" // AutoSyncData
)

// Message is the envelope for every IPC frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(id, typ string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Type: typ, Payload: raw}, nil
}

type InvokeRequest struct {
	Method   string            `json:"method"`
	DeviceID string            `json:"deviceId"`
	Args     map[string]string `json:"args,omitempty"`
}

type InvokeResult struct {
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
}

type SubscribeRequest struct {
	Topic    string            `json:"topic"`
	DeviceID string            `json:"deviceId,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

type SubscribeResult struct {
	Subscription string `json:"subscription"`
}

type UnsubscribeRequest struct {
	Subscription string `json:"subscription"`
}

// Event is a server push for one subscription.
type Event struct {
	Subscription string          `json:"subscription"`
	Topic        string          `json:"topic"`
	DeviceID     string          `json:"deviceId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DevicesSnapshot is the complete presence picture, never a delta.
type DevicesSnapshot struct {
	Connected []string `json:"connected"`
	Scanned   []string `json:"scanned"`
}

// TagStateData is a raw characteristic notification.
type TagStateData struct {
	Characteristic string `json:"characteristic"`
	Value          string `json:"value"`
}

type RSSIData struct {
	RSSI int `json:"rssi"`
}

type AutoSyncData struct {
	Syncing bool   `json:"syncing"`
	Result  string `json:"result,omitempty"`
}
