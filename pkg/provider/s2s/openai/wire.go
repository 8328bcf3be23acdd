package openai

// Client events.

type sessionUpdate struct {
	Type    string        `json:"type"` // "session.update"
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Tools                   []functionTool `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *modelRef      `json:"input_audio_transcription,omitempty"`
	TurnDetection           *modelRef      `json:"turn_detection,omitempty"`
}

// modelRef serves both {"model": ...} and {"type": ...} sub-objects.
type modelRef struct {
	Model string `json:"model,omitempty"`
	Type  string `json:"type,omitempty"`
}

type functionTool struct {
	Type        string         `json:"type"` // "function"
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type audioAppend struct {
	Type  string `json:"type"` // "input_audio_buffer.append"
	Audio string `json:"audio"`
}

type itemCreate struct {
	Type string         `json:"type"` // "conversation.item.create"
	Item functionOutput `json:"item"`
}

type functionOutput struct {
	Type   string `json:"type"` // "function_call_output"
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// bare is any client event without a payload, e.g. response.create.
type bare struct {
	Type string `json:"type"`
}

// Server events. One struct covers every type qualivox reads; unused fields
// stay zero.
type serverEvent struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return "openai: " + e.Code + ": " + e.Message
	}
	return "openai: " + e.Message
}
