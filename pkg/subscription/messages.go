package subscription

import (
	"encoding/json"

	"github.com/illmade-knight/go-queryflow/pkg/graphql"
)

// Wire message types for the push-channel protocol. Client-to-server:
// connection_init, start, stop. Server-to-client: connection_ack, data,
// error, complete. ka flows both ways and carries no payload.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgStart          = "start"
	msgData           = "data"
	msgError          = "error"
	msgComplete       = "complete"
	msgStop           = "stop"
	msgKeepAlive      = "ka"
)

// wireMessage is the JSON envelope for every message on the push channel.
type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// startPayload is the payload of a start message.
type startPayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// dataPayload is the payload of a data message: a result with any
// operation-level errors attached.
type dataPayload struct {
	Data   json.RawMessage          `json:"data,omitempty"`
	Errors []graphql.OperationError `json:"errors,omitempty"`
}

// errorPayload is the payload of an error message.
type errorPayload struct {
	Message string `json:"message"`
}

func encodeMessage(msgType, id string, payload any) ([]byte, error) {
	msg := wireMessage{ID: id, Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}
	return json.Marshal(msg)
}
