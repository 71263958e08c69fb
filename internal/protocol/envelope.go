package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for a well-formed envelope with an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned when an envelope cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// MessageType is the `type` tag of an envelope.
type MessageType string

const (
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypeStream           MessageType = "stream"
	TypeComplete         MessageType = "complete"
	TypeFileReady        MessageType = "file_ready"
	TypeError            MessageType = "error"
	TypeApprovalRequired MessageType = "approval_required"
	TypeApprovalResponse MessageType = "approval_response"
	TypeAgentStep        MessageType = "agent_step"
)

// Inbound is a decoded server message. The set of implementations is closed:
// Pong, Stream, Complete, FileReady, Error, ApprovalRequired and AgentStep.
type Inbound interface {
	MessageType() MessageType
	inbound()
}

// Pong answers a heartbeat ping.
type Pong struct{}

// Stream carries one raw text token batch of a streaming turn.
type Stream struct {
	Content string
}

// Complete ends a turn with the final response.
type Complete struct {
	FinalResponse string
}

// FileReady signals the server finished writing a file.
type FileReady struct {
	FilePath string
	Content  string
}

// Error reports an agent-side failure for the current turn.
type Error struct {
	Message string
}

// ApprovalRequired pauses the turn until the user decides.
type ApprovalRequired struct {
	Request ToolApprovalRequest
}

// AgentStep is one iteration record of an iterative run.
type AgentStep struct {
	Step StepRecord
}

func (Pong) MessageType() MessageType             { return TypePong }
func (Stream) MessageType() MessageType           { return TypeStream }
func (Complete) MessageType() MessageType         { return TypeComplete }
func (FileReady) MessageType() MessageType        { return TypeFileReady }
func (Error) MessageType() MessageType            { return TypeError }
func (ApprovalRequired) MessageType() MessageType { return TypeApprovalRequired }
func (AgentStep) MessageType() MessageType        { return TypeAgentStep }

func (Pong) inbound()             {}
func (Stream) inbound()           {}
func (Complete) inbound()         {}
func (FileReady) inbound()        {}
func (Error) inbound()            {}
func (ApprovalRequired) inbound() {}
func (AgentStep) inbound()        {}

// wireEnvelope is the union of every field an inbound envelope may carry.
type wireEnvelope struct {
	Type     MessageType     `json:"type"`
	Content  string          `json:"content,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	FilePath string          `json:"file_path,omitempty"`
}

type completeData struct {
	FinalResponse string `json:"final_response"`
}

type errorData struct {
	Message string `json:"message"`
}

// DecodeInbound parses a raw envelope into its typed variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypePong:
		return Pong{}, nil

	case TypeStream:
		return Stream{Content: env.Content}, nil

	case TypeComplete:
		msg := Complete{FinalResponse: env.Content}
		if len(env.Data) > 0 {
			var d completeData
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return nil, fmt.Errorf("%w: complete data: %v", ErrMalformed, err)
			}
			if d.FinalResponse != "" {
				msg.FinalResponse = d.FinalResponse
			}
		}
		return msg, nil

	case TypeFileReady:
		if env.FilePath == "" {
			return nil, fmt.Errorf("%w: file_ready without file_path", ErrMalformed)
		}
		return FileReady{FilePath: env.FilePath, Content: env.Content}, nil

	case TypeError:
		msg := Error{Message: env.Content}
		if msg.Message == "" && len(env.Data) > 0 {
			var d errorData
			if err := json.Unmarshal(env.Data, &d); err == nil {
				msg.Message = d.Message
			}
		}
		return msg, nil

	case TypeApprovalRequired:
		var req ToolApprovalRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return nil, fmt.Errorf("%w: approval data: %v", ErrMalformed, err)
		}
		if req.ID == "" {
			return nil, fmt.Errorf("%w: approval_required without approval_id", ErrMalformed)
		}
		return ApprovalRequired{Request: req}, nil

	case TypeAgentStep:
		var step StepRecord
		if err := json.Unmarshal(env.Data, &step); err != nil {
			return nil, fmt.Errorf("%w: agent_step data: %v", ErrMalformed, err)
		}
		return AgentStep{Step: step}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// Outbound is a client message. Implementations: Ping, TurnSubmission, ApprovalResponse.
type Outbound interface {
	outbound()
}

// Ping is the heartbeat envelope.
type Ping struct {
	Type      MessageType `json:"type"`
	ProjectID string      `json:"project_id,omitempty"`
}

// NewPing builds a heartbeat envelope for a project.
func NewPing(projectID string) Ping {
	return Ping{Type: TypePing, ProjectID: projectID}
}

// TurnSubmission starts a turn. It is the only envelope without a type tag.
type TurnSubmission struct {
	Message   string   `json:"message"`
	ProjectID string   `json:"project_id,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	EditMode  EditMode `json:"edit_mode"`
	SessionID string   `json:"session_id,omitempty"`
}

// ApprovalResponse carries a Decision back to the server.
type ApprovalResponse struct {
	Type       MessageType `json:"type"`
	ApprovalID string      `json:"approval_id"`
	Response   Decision    `json:"response"`
}

// NewApprovalResponse builds the socket variant of an approval answer.
func NewApprovalResponse(id string, d Decision) ApprovalResponse {
	return ApprovalResponse{Type: TypeApprovalResponse, ApprovalID: id, Response: d}
}

func (Ping) outbound()             {}
func (TurnSubmission) outbound()   {}
func (ApprovalResponse) outbound() {}

// Encode serializes an outbound envelope.
func Encode(m Outbound) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeInbound serializes a server message in its wire shape. It is used by
// the development gateway and by tests that play the server side.
func EncodeInbound(m Inbound) ([]byte, error) {
	env := wireEnvelope{Type: m.MessageType()}
	var data any

	switch v := m.(type) {
	case Pong:
	case Stream:
		env.Content = v.Content
	case Complete:
		data = completeData{FinalResponse: v.FinalResponse}
	case FileReady:
		env.FilePath = v.FilePath
		env.Content = v.Content
	case Error:
		env.Content = v.Message
	case ApprovalRequired:
		data = v.Request
	case AgentStep:
		data = v.Step
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

type outboundProbe struct {
	Type MessageType `json:"type"`
}

// DecodeOutbound parses a client message on the server side. An envelope
// without a type tag is a TurnSubmission.
func DecodeOutbound(data []byte) (Outbound, error) {
	var probe outboundProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch probe.Type {
	case TypePing:
		var p Ping
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return p, nil

	case TypeApprovalResponse:
		var r ApprovalResponse
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if r.ApprovalID == "" || !r.Response.Valid() {
			return nil, fmt.Errorf("%w: approval_response needs approval_id and a known response", ErrMalformed)
		}
		return r, nil

	case "":
		var s TurnSubmission
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if s.Message == "" {
			return nil, fmt.Errorf("%w: turn submission without message", ErrMalformed)
		}
		return s, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
}
