package procwire

import "github.com/go-json-experiment/json/jsontext"

// ProcedureType is the declared kind of a procedure.
type ProcedureType string

const (
	TypeQuery        ProcedureType = "query"
	TypeMutation     ProcedureType = "mutation"
	TypeSubscription ProcedureType = "subscription"
)

// Valid reports whether t is one of the known procedure types.
func (t ProcedureType) Valid() bool {
	switch t {
	case TypeQuery, TypeMutation, TypeSubscription:
		return true
	}
	return false
}

// Control methods that share the request envelope with procedure calls.
const (
	// MethodSubscriptionStop asks the server to stop the operation with the
	// message ID. It is sent by clients over WebSocket.
	MethodSubscriptionStop = "subscription.stop"
	// MethodReconnect is sent by the server before it closes a WebSocket
	// connection on shutdown; clients reconnect and resubscribe.
	MethodReconnect = "reconnect"
)

// ResultType discriminates result payloads.
type ResultType string

const (
	ResultData    ResultType = "data"
	ResultStarted ResultType = "started"
	ResultStopped ResultType = "stopped"
)

// RequestMessage is a call envelope from client to server.
type RequestMessage struct {
	ID      int64         `json:"id"`
	JSONRPC string        `json:"jsonrpc,omitempty"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params,omitzero"`
}

// RequestParams carries the procedure address and its raw input.
type RequestParams struct {
	Path  string         `json:"path,omitempty"`
	Input jsontext.Value `json:"input,omitzero"`
	// LastEventID is the resumption token of the last tracked event the
	// client received on a previous attempt of this subscription.
	LastEventID string `json:"lastEventId,omitempty"`
}

// ResponseMessage is the envelope for one result or error. Subscriptions
// produce a sequence of them sharing the request ID.
type ResponseMessage struct {
	ID      int64          `json:"id"`
	JSONRPC string         `json:"jsonrpc,omitempty"`
	Method  string         `json:"method,omitempty"`
	Result  *ResultPayload `json:"result,omitempty"`
	Error   *ErrorShape    `json:"error,omitempty"`
}

// ResultPayload is the success half of a ResponseMessage.
type ResultPayload struct {
	Type ResultType `json:"type"`
	// ID is the resumption token of a tracked subscription event.
	ID   string         `json:"id,omitempty"`
	Data jsontext.Value `json:"data,omitzero"`
}

// ErrorShape is the wire form of an error.
type ErrorShape struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the default structured data attached to wire errors.
type ErrorData struct {
	Code       ErrorCode `json:"code"`
	HTTPStatus int       `json:"httpStatus,omitempty"`
	Path       string    `json:"path,omitempty"`
	// Details holds the serialized payload of an expected error declared by
	// the procedure.
	Details jsontext.Value `json:"details,omitzero"`
}

// IsError reports whether m carries an error.
func (m *ResponseMessage) IsError() bool { return m.Error != nil }

// dataMessage builds a data envelope.
func dataMessage(id int64, data jsontext.Value) ResponseMessage {
	return ResponseMessage{ID: id, Result: &ResultPayload{Type: ResultData, Data: data}}
}

// controlMessage builds a started/stopped envelope.
func controlMessage(id int64, typ ResultType) ResponseMessage {
	return ResponseMessage{ID: id, Result: &ResultPayload{Type: typ}}
}

// errorMessage builds an error envelope.
func errorMessage(id int64, shape ErrorShape) ResponseMessage {
	return ResponseMessage{ID: id, Error: &shape}
}
