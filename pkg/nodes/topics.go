// Package nodes holds the Message Bus topic names and payload shapes
// shared by the STT, Cognition, and TTS node wiring in its subpackages
// (§6).
package nodes

import "time"

const (
	TopicVoiceCommand     = "voice_command"
	TopicTextResponse     = "text_response"
	TopicRobotAction      = "robot_action"
	TopicSnapPic          = "snap_pic"
	TopicVisualData       = "visual_data"
	TopicSpeakingStatus   = "speaking_status"
	TopicListeningStatus  = "listening_status"
	TopicNavigationStatus = "navigation_status"
	TopicSystemMode       = "system_mode"
)

// VoiceCommand is published by the STT node once a transcript finalizes.
type VoiceCommand struct {
	Text           string    `json:"text"`
	Confidence     float64   `json:"confidence"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
}

// TextResponse is published by the Cognition node for each completed
// response text.
type TextResponse struct {
	Text           string    `json:"text"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// ActionSpec is one named physical action at a given speed, as requested
// by the perform_action tool.
type ActionSpec struct {
	Name  string  `json:"name"`
	Speed float64 `json:"speed"`
}

// RobotAction is published by the Cognition node when a perform_action
// tool call validates.
type RobotAction struct {
	Actions   []ActionSpec `json:"actions"`
	Mood      string       `json:"mood"`
	Priority  string       `json:"priority"`
	Timestamp time.Time    `json:"timestamp"`
}

// SnapPic requests a camera capture.
type SnapPic struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// VisualData carries a captured image back to the Cognition node.
type VisualData struct {
	ImageBytes []byte    `json:"image_bytes"`
	CaptureID  string    `json:"capture_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// SpeakingStatus announces whether the robot is currently speaking, for
// the STT node's mutex coordination (§4.7).
type SpeakingStatus struct {
	Speaking bool   `json:"speaking"`
	Text     string `json:"text,omitempty"`
}

// ListeningStatus announces whether the robot is currently listening.
type ListeningStatus struct {
	Listening bool   `json:"listening"`
	Reason    string `json:"reason"`
}

// NavigationStatus announces the navigation subsystem's state, for the
// STT node's mutex coordination.
type NavigationStatus struct {
	Status        string    `json:"status"` // idle|executing|completed|error
	CurrentAction string    `json:"current_action,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SystemMode announces the overall system mode.
type SystemMode struct {
	Mode      string    `json:"mode"` // idle|listening|speaking|thinking|error
	Timestamp time.Time `json:"timestamp"`
}
