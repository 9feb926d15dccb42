package voiceagent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeSetupReceived   ServerEventType = "setup_received"
	ServerEventTypeGeminiConnected ServerEventType = "gemini_connected"
	ServerEventTypeSetupComplete   ServerEventType = "setup_complete"
	ServerEventTypeTranscriptIn    ServerEventType = "transcript_in"
	ServerEventTypeTranscriptOut   ServerEventType = "transcript_out"
	ServerEventTypeText            ServerEventType = "text"
	ServerEventTypeTurnComplete    ServerEventType = "turn_complete"
	ServerEventTypeGoAway          ServerEventType = "go_away"
	ServerEventTypeUsage           ServerEventType = "usage"
	ServerEventTypeError           ServerEventType = "error"
	ServerEventTypeInlineData      ServerEventType = "inline_data"
	ServerEventTypeFunctionCall    ServerEventType = "function_call"
	ServerEventTypeIgnored         ServerEventType = "ignored"

	// ServerEventTypeUnknown is any tag this client does not model.
	ServerEventTypeUnknown ServerEventType = ""
	// ServerEventTypeRawText is a text frame that is not a JSON object.
	ServerEventTypeRawText ServerEventType = "raw_text"
)

// Client event types
const (
	ClientEventTypeSetup    ClientEventType = "setup"
	ClientEventTypeText     ClientEventType = "text"
	ClientEventTypeAudioEnd ClientEventType = "audio_end"
	ClientEventTypeClose    ClientEventType = "close"
)

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

// ServerEvent is one text frame from the server. Param holds the variant
// selected by Type; unmodelled tags get *ServerEventParamUnknown.
type ServerEvent struct {
	Type ServerEventType
	// Tag is the type string as received, kept for unknown tags.
	Tag   string
	Param EventParam
	Raw   []byte
}

// ParseServerEvent never fails: frames that are not JSON objects become
// ServerEventTypeRawText and unknown tags become ServerEventTypeUnknown.
func ParseServerEvent(data []byte) *ServerEvent {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return &ServerEvent{
			Type:  ServerEventTypeRawText,
			Param: &ServerEventParamText{Text: string(data)},
			Raw:   data,
		}
	}
	return e
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("not an object")
	}
	e.Raw = data
	tag, _ := raw["type"].(string)
	delete(raw, "type")
	e.Tag = tag
	e.Type = ServerEventType(tag)

	switch e.Type {
	case ServerEventTypeSetupReceived, ServerEventTypeSetupComplete, ServerEventTypeTurnComplete:
		e.Param = new(ServerEventParamEmpty)
	case ServerEventTypeGeminiConnected:
		e.Param = new(ServerEventParamConnected)
	case ServerEventTypeTranscriptIn, ServerEventTypeTranscriptOut, ServerEventTypeText, ServerEventTypeIgnored:
		e.Param = new(ServerEventParamText)
	case ServerEventTypeGoAway:
		e.Param = new(ServerEventParamGoAway)
	case ServerEventTypeUsage:
		e.Param = new(ServerEventParamUsage)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeInlineData:
		e.Param = new(ServerEventParamInlineData)
	case ServerEventTypeFunctionCall:
		e.Param = new(ServerEventParamFunctionCall)
	default:
		e.Type = ServerEventTypeUnknown
		e.Param = new(ServerEventParamUnknown)
	}
	return e.Param.New(raw)
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range e.Param.Json() {
		resp[k] = v
	}
	if e.Type != ServerEventTypeRawText {
		tag := e.Tag
		if tag == "" {
			tag = string(e.Type)
		}
		resp["type"] = tag
	}
	return sonic.Marshal(resp)
}

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	data, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

// String renders the event as a single transcript line.
func (e *ServerEvent) String() string {
	switch p := e.Param.(type) {
	case *ServerEventParamText:
		switch e.Type {
		case ServerEventTypeTranscriptIn:
			return "[in ] " + p.Text
		case ServerEventTypeTranscriptOut:
			return "[out] " + p.Text
		case ServerEventTypeText:
			return "[txt] " + p.Text
		case ServerEventTypeIgnored:
			return "[ignored] " + p.Text
		case ServerEventTypeRawText:
			return "[text] " + p.Text
		}
	case *ServerEventParamEmpty:
		switch e.Type {
		case ServerEventTypeTurnComplete:
			return "[turn] complete"
		case ServerEventTypeSetupComplete:
			return "[setup] complete"
		case ServerEventTypeSetupReceived:
			return "[setup] received"
		}
	case *ServerEventParamConnected:
		return "[connected] session=" + p.SessionId
	case *ServerEventParamUsage:
		return fmt.Sprintf("[usage] prompt=%s response=%s total=%s",
			optInt(p.Prompt), optInt(p.Response), optInt(p.Total))
	case *ServerEventParamGoAway:
		return "[goAway] timeLeft=" + p.TimeLeft
	case *ServerEventParamError:
		return fmt.Sprintf("[err] %s: %s", p.Where, p.Message)
	case *ServerEventParamInlineData:
		return fmt.Sprintf("[inline] %s %d bytes", p.MimeType, len(p.Data))
	case *ServerEventParamFunctionCall:
		return "[call] " + p.Name
	}
	return "[evt] " + string(e.Raw)
}

func optInt(v *int) string {
	if v == nil {
		return "undefined"
	}
	return fmt.Sprint(*v)
}

// Helpers for number conversions
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func asString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ServerEventParamEmpty carries no fields.
type ServerEventParamEmpty struct{}

func (p *ServerEventParamEmpty) New(map[string]any) error { return nil }

func (p *ServerEventParamEmpty) Json() map[string]any { return map[string]any{} }

type ServerEventParamConnected struct {
	SessionId string
}

func (p *ServerEventParamConnected) New(m map[string]any) error {
	p.SessionId = asString(m, "sessionId")
	return nil
}

func (p *ServerEventParamConnected) Json() map[string]any {
	return map[string]any{"sessionId": p.SessionId}
}

type ServerEventParamText struct {
	Text string
}

func (p *ServerEventParamText) New(m map[string]any) error {
	p.Text = asString(m, "text")
	return nil
}

func (p *ServerEventParamText) Json() map[string]any {
	return map[string]any{"text": p.Text}
}

type ServerEventParamGoAway struct {
	TimeLeft string
}

func (p *ServerEventParamGoAway) New(m map[string]any) error {
	p.TimeLeft = asString(m, "timeLeft")
	return nil
}

func (p *ServerEventParamGoAway) Json() map[string]any {
	return map[string]any{"timeLeft": p.TimeLeft}
}

// ServerEventParamUsage has nil counts where the server sent none.
type ServerEventParamUsage struct {
	Prompt   *int
	Response *int
	Total    *int
}

func (p *ServerEventParamUsage) New(m map[string]any) error {
	read := func(key string) *int {
		if n, ok := asInt(m[key]); ok {
			return &n
		}
		return nil
	}
	p.Prompt = read("prompt")
	p.Response = read("response")
	p.Total = read("total")
	return nil
}

func (p *ServerEventParamUsage) Json() map[string]any {
	resp := map[string]any{}
	if p.Prompt != nil {
		resp["prompt"] = *p.Prompt
	}
	if p.Response != nil {
		resp["response"] = *p.Response
	}
	if p.Total != nil {
		resp["total"] = *p.Total
	}
	return resp
}

type ServerEventParamError struct {
	Where   string
	Message string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	p.Where = asString(m, "where")
	p.Message = asString(m, "message")
	if p.Message == "" {
		// The server reports a missing session as {"type":"error","text":...}.
		p.Message = asString(m, "text")
	}
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{"where": p.Where, "message": p.Message}
}

func (p *ServerEventParamError) Error() string {
	if p.Where == "" {
		return p.Message
	}
	return p.Where + ": " + p.Message
}

type ServerEventParamInlineData struct {
	MimeType string
	Data     []byte
}

func (p *ServerEventParamInlineData) New(m map[string]any) error {
	p.MimeType = asString(m, "mimeType")
	data, err := base64.StdEncoding.DecodeString(asString(m, "data"))
	if err != nil {
		return fmt.Errorf("decoding inline data: %w", err)
	}
	p.Data = data
	return nil
}

func (p *ServerEventParamInlineData) Json() map[string]any {
	return map[string]any{
		"mimeType": p.MimeType,
		"data":     base64.StdEncoding.EncodeToString(p.Data),
	}
}

type ServerEventParamFunctionCall struct {
	Name string
}

func (p *ServerEventParamFunctionCall) New(m map[string]any) error {
	p.Name = asString(m, "name")
	return nil
}

func (p *ServerEventParamFunctionCall) Json() map[string]any {
	return map[string]any{"name": p.Name}
}

// ServerEventParamUnknown keeps every field of an unmodelled event.
type ServerEventParamUnknown struct {
	Fields map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	return p.Fields
}

// ClientEvent is a control message sent to the server.
type ClientEvent struct {
	Type         ClientEventType `json:"type"`
	Text         string          `json:"text,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	UserPrompt   string          `json:"user_prompt,omitempty"`
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Type == ClientEventTypeText && strings.TrimSpace(e.Text) == "" {
		return nil, errors.New("text event without text")
	}
	type alias ClientEvent
	return sonic.Marshal((*alias)(e))
}
