package server

import "encoding/json"

// Client event types.
const (
	EventSubscribe   = "subscribe_session"
	EventUnsubscribe = "unsubscribe_session"
	EventInput       = "input"
	EventResize      = "resize"
)

// Server message types.
const (
	MessageTerminalData  = "terminal_data"
	MessageSessionUpdate = "session_update"
	MessageError         = "error"
)

// ClientCommand is one JSON event from a connected client.
type ClientCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ParseClientCommand parses a JSON payload into a ClientCommand.
func ParseClientCommand(data []byte) (*ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ServerMessage is one JSON event to a connected client.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ID        string `json:"id,omitempty"`
	Data      string `json:"data,omitempty"`
	State     string `json:"state,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TerminalDataMessage creates a terminal output message.
func TerminalDataMessage(sessionID string, data []byte) ServerMessage {
	return ServerMessage{Type: MessageTerminalData, SessionID: sessionID, Data: string(data)}
}

// SessionUpdateMessage creates a session state change message.
func SessionUpdateMessage(id, state string) ServerMessage {
	return ServerMessage{Type: MessageSessionUpdate, ID: id, State: state}
}

// ErrorMessage creates an error message.
func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: MessageError, Message: msg}
}
