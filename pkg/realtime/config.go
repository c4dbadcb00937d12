package realtime

// ToolDef is one entry in the session's tool catalog (§4.8): the
// Cognition node supplies a small, parameterized set rather than one tool
// per physical action primitive.
type ToolDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters"`
}

// SessionConfig mirrors the session.update directive's configurable
// surface (§4.4, §6): modalities, transcription, persona, and tools.
// SessionConfig has no turn-detection setting: toWire always sends
// turn_detection as null, because client-side VAD replaces server-side turn
// detection, per §6 ("turn_detection=none").
type SessionConfig struct {
	Modalities              []string  `json:"modalities"`
	Instructions            string    `json:"instructions"`
	Voice                   string    `json:"voice"`
	InputAudioFormat        string    `json:"input_audio_format"`
	OutputAudioFormat       string    `json:"output_audio_format"`
	InputAudioTranscription bool      `json:"-"`
	Tools                   []ToolDef `json:"tools,omitempty"`
}

// DefaultSessionConfig returns the configuration named in §6: text+audio
// modalities, PCM16 both directions, input transcription enabled,
// client-side (local) VAD in place of server turn detection.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: true,
	}
}

// sessionUpdatePayload is the literal wire shape of a session.update
// directive.
type sessionUpdatePayload struct {
	Type    string             `json:"type"`
	Session sessionWirePayload `json:"session"`
}

type sessionWirePayload struct {
	Modalities              []string               `json:"modalities"`
	Instructions            string                 `json:"instructions"`
	Voice                   string                 `json:"voice,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format"`
	OutputAudioFormat       string                 `json:"output_audio_format"`
	InputAudioTranscription map[string]interface{} `json:"input_audio_transcription,omitempty"`
	TurnDetection           interface{}            `json:"turn_detection"`
	Tools                   []ToolDef              `json:"tools,omitempty"`
}

func (c SessionConfig) toWire() sessionUpdatePayload {
	w := sessionWirePayload{
		Modalities:        c.Modalities,
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  c.InputAudioFormat,
		OutputAudioFormat: c.OutputAudioFormat,
		TurnDetection:     nil,
		Tools:             c.Tools,
	}
	if c.InputAudioTranscription {
		w.InputAudioTranscription = map[string]interface{}{"model": "whisper-1"}
	}
	return sessionUpdatePayload{Type: "session.update", Session: w}
}
