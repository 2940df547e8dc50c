package tag

// GATT identifiers. Payloads are lowercase hex; one-byte flags are "00"/"01".
const (
	ServiceUUID = "0000fd5a-0000-1000-8000-00805f9b34fb"

	CharBattery       = "0000fd5b-0000-1000-8000-00805f9b34fb"
	CharRing          = "deb90001-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharRingVolume    = "deb90002-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharButtonConfig  = "deb90003-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharButtonVolume  = "deb90004-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharLostModeURL   = "deb90005-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharE2EEncryption = "deb90006-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharUWBRanging    = "deb90007-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharButtonState   = "deb90008-3dd9-4c3b-9a3a-7a2b3f4c5d60"
	CharRingState     = "deb90009-3dd9-4c3b-9a3a-7a2b3f4c5d60"
)

// NotifyCharacteristics are the characteristics a tag pushes state changes on.
var NotifyCharacteristics = []string{CharButtonState, CharRingState}

type rawEvent struct {
	char    string
	payload string
}

var tagStateEvents = map[rawEvent]TagStateEvent{
	{CharButtonState, "01"}: EventButtonClick,
	{CharButtonState, "02"}: EventButtonLongClick,
	{CharButtonState, "03"}: EventButtonDoubleClick,
	{CharRingState, "01"}:   EventRingStarted,
	{CharRingState, "00"}:   EventRingStopped,
}

// ParseTagStateEvent maps a raw characteristic notification to an event by
// exact match. Unrecognised pairs yield false.
func ParseTagStateEvent(charID, payload string) (TagStateEvent, bool) {
	ev, ok := tagStateEvents[rawEvent{charID, payload}]
	return ev, ok
}
