package realtime

import "encoding/json"

// EventType names a remote event type, matching the wire protocol's own
// "type" field values (§4.4, §6).
type EventType string

const (
	EventTranscriptDelta    EventType = "conversation.item.input_audio_transcription.delta"
	EventTranscriptDone     EventType = "conversation.item.input_audio_transcription.completed"
	EventResponseItemAdded  EventType = "response.output_item.added"
	EventResponseTextDelta  EventType = "response.output_text.delta"
	EventResponseTextDone   EventType = "response.output_text.done"
	EventResponseAudioDelta EventType = "response.audio.delta"
	EventResponseAudioDone  EventType = "response.audio.done"
	EventResponseDone       EventType = "response.done"
	EventError              EventType = "error"
	EventConnectionClosed   EventType = "connection.closed"
	EventSessionUpdated     EventType = "session.updated"
)

// Event is the core's normalized view of one remote event, covering every
// field any handler in this repo needs — STT (transcript text), Cognition
// (text deltas, function calls), TTS (audio deltas/done).
type Event struct {
	Type EventType

	ItemID     string
	ResponseID string

	// Text carries transcript/text delta or done content, depending on
	// Type.
	Text string

	// AudioBase64 carries response.audio.delta's raw base64 payload;
	// decode with DecodeAudio.
	AudioBase64 string

	// ItemType distinguishes a response.output_item.added's item kind
	// ("message" vs "function_call").
	ItemType string

	// FunctionName/FunctionCallID/FunctionArgs are populated for
	// function_call items, taken from the response.output_item.added
	// payload.
	FunctionName   string
	FunctionCallID string
	FunctionArgs   string

	// ErrorMessage is populated for EventError.
	ErrorMessage string

	// Raw is the complete wire payload, for handlers that need a field
	// this struct doesn't normalize.
	Raw json.RawMessage
}

// Handler processes one dispatched event. Handlers are called in
// registration order, to completion, before the next event is dispatched —
// they must be short and non-blocking; long work belongs on an MB topic.
type Handler func(Event)

// wireEnvelope is the minimal shape every server event shares, used only
// to discover the "type" discriminator before decoding into the fuller,
// type-specific shape.
type wireEnvelope struct {
	Type string `json:"type"`
}

// serverEvent mirrors the realtime API's event shapes closely enough to
// populate Event without a parser generated per event type — the fields
// not present on a given event type simply decode as zero values.
type serverEvent struct {
	Type       string        `json:"type"`
	ItemID     string        `json:"item_id"`
	ResponseID string        `json:"response_id"`
	Delta      string        `json:"delta"`
	Text       string        `json:"text"`
	Transcript string        `json:"transcript"`
	Item       *responseItem `json:"item"`
	Error      *serverError  `json:"error"`
}

type responseItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "message" | "function_call"
	Name      string `json:"name"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseEvent converts one raw wire message into a normalized Event. An
// unrecognized type still decodes — Type is set to the raw wire string and
// the rest of the fields take whatever the shared shape parsed — so a
// node's missing handler registration is silently a no-op rather than a
// parse failure.
func parseEvent(data []byte) (Event, error) {
	var se serverEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:        EventType(se.Type),
		ItemID:      se.ItemID,
		ResponseID:  se.ResponseID,
		AudioBase64: se.Delta,
		Raw:         json.RawMessage(data),
	}

	switch EventType(se.Type) {
	case EventTranscriptDelta:
		ev.Text = se.Delta
	case EventTranscriptDone:
		ev.Text = se.Transcript
	case EventResponseTextDelta:
		ev.Text = se.Delta
	case EventResponseTextDone:
		ev.Text = se.Text
	case EventError:
		if se.Error != nil {
			ev.ErrorMessage = se.Error.Message
		}
	}

	if se.Item != nil {
		ev.ItemID = se.Item.ID
		ev.ItemType = se.Item.Type
		ev.FunctionName = se.Item.Name
		ev.FunctionCallID = se.Item.CallID
		ev.FunctionArgs = se.Item.Arguments
	}

	return ev, nil
}
