// Package obs implements the OBS Studio WebSocket v5 protocol: the wire
// codec, the connection state machine with its Hello/Identify handshake, the
// pending-request tracker, and the per-session domain caches (scene, output,
// stats) fed by the event stream.
package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/hovercast/hovercast/errs"
)

// OpCode tags every OBS v5 frame with its message kind. Opcode 4 is reserved
// by the protocol and never appears on the wire.
type OpCode int

const (
	OpHello                OpCode = 0
	OpIdentify             OpCode = 1
	OpIdentified           OpCode = 2
	OpReidentify           OpCode = 3
	OpEvent                OpCode = 5
	OpRequest              OpCode = 6
	OpRequestResponse      OpCode = 7
	OpRequestBatch         OpCode = 8
	OpRequestBatchResponse OpCode = 9
)

func (op OpCode) String() string {
	switch op {
	case OpHello:
		return "hello"
	case OpIdentify:
		return "identify"
	case OpIdentified:
		return "identified"
	case OpReidentify:
		return "reidentify"
	case OpEvent:
		return "event"
	case OpRequest:
		return "request"
	case OpRequestResponse:
		return "request_response"
	case OpRequestBatch:
		return "request_batch"
	case OpRequestBatchResponse:
		return "request_batch_response"
	default:
		return fmt.Sprintf("op_%d", int(op))
	}
}

// Event subscription flags. ALL_NONVOLATILE deliberately excludes the
// high-volume categories (input volume meters, input active state, scene item
// transforms) so a dashboard client is never firehosed by default.
const (
	SubGeneral     = 1 << 0
	SubConfig      = 1 << 1
	SubScenes      = 1 << 2
	SubInputs      = 1 << 3
	SubTransitions = 1 << 4
	SubFilters     = 1 << 5
	SubOutputs     = 1 << 6
	SubSceneItems  = 1 << 7
	SubMediaInputs = 1 << 8
	SubVendors     = 1 << 9
	SubUI          = 1 << 10

	// SubAllNonVolatile is the Identify default: every category above, which
	// sums to 2047.
	SubAllNonVolatile = SubGeneral | SubConfig | SubScenes | SubInputs |
		SubTransitions | SubFilters | SubOutputs | SubSceneItems |
		SubMediaInputs | SubVendors | SubUI
)

// Frame is the wire envelope: `{ "op": <int>, "d": <object> }`.
type Frame struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// AuthChallenge is the optional authentication block inside Hello.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

// HelloPayload is opcode 0, sent by the server immediately after upgrade.
type HelloPayload struct {
	OBSWebSocketVersion string         `json:"obsWebSocketVersion,omitempty"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *AuthChallenge `json:"authentication,omitempty"`
}

// IdentifyPayload is opcode 1, the client half of the handshake.
type IdentifyPayload struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

// IdentifiedPayload is opcode 2, confirming the negotiated protocol version.
type IdentifiedPayload struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

// ReidentifyPayload is opcode 3, adjusting the event subscription mask on a
// live session.
type ReidentifyPayload struct {
	EventSubscriptions int `json:"eventSubscriptions"`
}

// EventPayload is opcode 5, a server-pushed event.
type EventPayload struct {
	EventType   string         `json:"eventType"`
	EventIntent int            `json:"eventIntent,omitempty"`
	EventData   map[string]any `json:"eventData,omitempty"`
}

// RequestPayload is opcode 6, a client request.
type RequestPayload struct {
	RequestID   string         `json:"requestId"`
	RequestType string         `json:"requestType"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

// RequestStatus carries the outcome of a request. Code 100 is success.
type RequestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

// RequestResponsePayload is opcode 7, matched to its request by RequestID.
type RequestResponsePayload struct {
	RequestID     string         `json:"requestId"`
	RequestType   string         `json:"requestType"`
	RequestStatus RequestStatus  `json:"requestStatus"`
	ResponseData  map[string]any `json:"responseData,omitempty"`
}

// BatchEntry is one request inside an opcode 8 batch.
type BatchEntry struct {
	RequestType string         `json:"requestType"`
	RequestID   string         `json:"requestId,omitempty"`
	RequestData map[string]any `json:"requestData,omitempty"`
}

// RequestBatchPayload is opcode 8.
type RequestBatchPayload struct {
	RequestID     string       `json:"requestId"`
	HaltOnFailure bool         `json:"haltOnFailure,omitempty"`
	ExecutionType int          `json:"executionType,omitempty"`
	Requests      []BatchEntry `json:"requests"`
}

// RequestBatchResponsePayload is opcode 9.
type RequestBatchResponsePayload struct {
	RequestID string                   `json:"requestId"`
	Results   []RequestResponsePayload `json:"results"`
}

// EncodeFrame marshals payload into the `{op, d}` envelope.
func EncodeFrame(op OpCode, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New(source, errs.KindProtocol, errs.WithOp("encode_frame"),
			errs.WithField("opcode", op.String()), errs.WithCause(err))
	}
	return json.Marshal(Frame{Op: op, D: body})
}

// DecodeFrame unmarshals the envelope, leaving the payload raw for the
// opcode-specific decoders.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, errs.New(source, errs.KindProtocol, errs.WithOp("decode_frame"),
			errs.WithField("frame", truncateFrame(data)), errs.WithCause(err))
	}
	return frame, nil
}

// DecodePayload unmarshals the frame body into out.
func DecodePayload(frame Frame, out any) error {
	if err := json.Unmarshal(frame.D, out); err != nil {
		return errs.New(source, errs.KindProtocol, errs.WithOp("decode_payload"),
			errs.WithField("opcode", frame.Op.String()),
			errs.WithField("frame", truncateFrame(frame.D)),
			errs.WithCause(err))
	}
	return nil
}

// authToken derives the Identify authentication string:
// base64(SHA256(base64(SHA256(password+salt)) + challenge)).
func authToken(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	proof := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(proof[:])
}

const maxLoggedFrameBytes = 512

// truncateFrame bounds raw frames embedded in protocol errors so a oversized
// payload never floods the log.
func truncateFrame(data []byte) string {
	if len(data) <= maxLoggedFrameBytes {
		return string(data)
	}
	return string(data[:maxLoggedFrameBytes]) + "...(truncated)"
}
