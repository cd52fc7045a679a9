package transport

import "encoding/json"

// ErrorFrame is the fixed shape of an error sent to a client before the
// socket is closed, per the fleet's WebSocket protocol: {error, message}.
type ErrorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SendError writes an ErrorFrame to sock as a text frame.
func SendError(sock Socket, errType, message string) error {
	data, err := json.Marshal(ErrorFrame{Error: errType, Message: message})
	if err != nil {
		return err
	}
	return sock.WriteMessage(TextMessage, data)
}
