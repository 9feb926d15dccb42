package voiceagent

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerEvent(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType ServerEventType
		wantLine string
	}{
		{
			name:     "Input transcript",
			data:     `{"type":"transcript_in","text":"hello"}`,
			wantType: ServerEventTypeTranscriptIn,
			wantLine: "[in ] hello",
		},
		{
			name:     "Output transcript",
			data:     `{"type":"transcript_out","text":"hi there"}`,
			wantType: ServerEventTypeTranscriptOut,
			wantLine: "[out] hi there",
		},
		{
			name:     "Model text",
			data:     `{"type":"text","text":"ok"}`,
			wantType: ServerEventTypeText,
			wantLine: "[txt] ok",
		},
		{
			name:     "Text without text field",
			data:     `{"type":"text"}`,
			wantType: ServerEventTypeText,
			wantLine: "[txt] ",
		},
		{
			name:     "Turn complete",
			data:     `{"type":"turn_complete"}`,
			wantType: ServerEventTypeTurnComplete,
			wantLine: "[turn] complete",
		},
		{
			name:     "Setup complete",
			data:     `{"type":"setup_complete"}`,
			wantType: ServerEventTypeSetupComplete,
			wantLine: "[setup] complete",
		},
		{
			name:     "Connected",
			data:     `{"type":"gemini_connected","sessionId":"abc"}`,
			wantType: ServerEventTypeGeminiConnected,
			wantLine: "[connected] session=abc",
		},
		{
			name:     "Usage",
			data:     `{"type":"usage","prompt":12,"response":30,"total":42}`,
			wantType: ServerEventTypeUsage,
			wantLine: "[usage] prompt=12 response=30 total=42",
		},
		{
			name:     "Usage with missing counts",
			data:     `{"type":"usage","prompt":12}`,
			wantType: ServerEventTypeUsage,
			wantLine: "[usage] prompt=12 response=undefined total=undefined",
		},
		{
			name:     "Go away",
			data:     `{"type":"go_away","timeLeft":"PT30S"}`,
			wantType: ServerEventTypeGoAway,
			wantLine: "[goAway] timeLeft=PT30S",
		},
		{
			name:     "Error",
			data:     `{"type":"error","where":"connect","message":"denied"}`,
			wantType: ServerEventTypeError,
			wantLine: "[err] connect: denied",
		},
		{
			name:     "Function call",
			data:     `{"type":"function_call","name":"lookup"}`,
			wantType: ServerEventTypeFunctionCall,
			wantLine: "[call] lookup",
		},
		{
			name:     "Inline data",
			data:     `{"type":"inline_data","mimeType":"image/png","data":"AQID"}`,
			wantType: ServerEventTypeInlineData,
			wantLine: "[inline] image/png 3 bytes",
		},
		{
			name:     "Unknown tag falls back to a generic line",
			data:     `{"type":"something_new","x":1}`,
			wantType: ServerEventTypeUnknown,
			wantLine: `[evt] {"type":"something_new","x":1}`,
		},
		{
			name:     "Missing tag",
			data:     `{"x":1}`,
			wantType: ServerEventTypeUnknown,
			wantLine: `[evt] {"x":1}`,
		},
		{
			name:     "Not JSON",
			data:     `hello world`,
			wantType: ServerEventTypeRawText,
			wantLine: "[text] hello world",
		},
		{
			name:     "JSON but not an object",
			data:     `[1,2]`,
			wantType: ServerEventTypeRawText,
			wantLine: "[text] [1,2]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ParseServerEvent([]byte(tt.data))
			require.NotNil(t, e)
			require.NotNil(t, e.Param)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.wantLine, e.String())
		})
	}
}

func TestServerEventUnknownKeepsFields(t *testing.T) {
	e := ParseServerEvent([]byte(`{"type":"future","a":"b"}`))
	require.Equal(t, ServerEventTypeUnknown, e.Type)
	assert.Equal(t, "future", e.Tag)
	p, ok := e.Param.(*ServerEventParamUnknown)
	require.True(t, ok)
	assert.Equal(t, "b", p.Fields["a"])
}

func TestServerEventMarshalJSON(t *testing.T) {
	e := ParseServerEvent([]byte(`{"type":"transcript_in","text":"hey"}`))
	data, err := e.MarshalJSON()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, sonic.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"type": "transcript_in", "text": "hey"}, got)
}

func TestServerEventMarshalYAML(t *testing.T) {
	e := ParseServerEvent([]byte(`{"type":"go_away","timeLeft":"PT1M"}`))
	data, err := e.MarshalYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: go_away")
	assert.Contains(t, string(data), "timeLeft: PT1M")
}

func TestErrorEventFallsBackToText(t *testing.T) {
	e := ParseServerEvent([]byte(`{"type":"error","text":"no bridge"}`))
	p, ok := e.Param.(*ServerEventParamError)
	require.True(t, ok)
	assert.Equal(t, "no bridge", p.Error())
}

func TestClientEventMarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		event   ClientEvent
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "Text",
			event: ClientEvent{Type: ClientEventTypeText, Text: "hello"},
			want:  map[string]any{"type": "text", "text": "hello"},
		},
		{
			name:  "Audio end",
			event: ClientEvent{Type: ClientEventTypeAudioEnd},
			want:  map[string]any{"type": "audio_end"},
		},
		{
			name:  "Setup",
			event: ClientEvent{Type: ClientEventTypeSetup, SystemPrompt: "be brief"},
			want:  map[string]any{"type": "setup", "system_prompt": "be brief"},
		},
		{
			name:    "Empty text",
			event:   ClientEvent{Type: ClientEventTypeText, Text: "  "},
			wantErr: true,
		},
		{
			name:    "Missing type",
			event:   ClientEvent{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.event.MarshalJSON()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, sonic.Unmarshal(data, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}
