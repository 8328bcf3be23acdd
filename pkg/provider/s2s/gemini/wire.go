package gemini

import "encoding/json"

// Client → server frames of the BidiGenerateContent protocol. Exactly one
// top-level field is set per frame.

type clientFrame struct {
	Setup         *setup         `json:"setup,omitempty"`
	RealtimeInput *realtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *toolResponse  `json:"toolResponse,omitempty"`
}

type setup struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Tools             []tool           `json:"tools,omitempty"`

	// Empty objects switch transcription on.
	InputAudioTranscription  *struct{} `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

// blob is base64 media tagged with its MIME type.
type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Server → client frames.

type serverFrame struct {
	SetupComplete        json.RawMessage       `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
	Error                *serverError          `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

func (t *transcription) present() bool {
	return t != nil && (t.Text != "" || t.Finished)
}

type toolCall struct {
	FunctionCalls []struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCalls"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *serverError) Error() string {
	return "gemini: server error " + e.Status + ": " + e.Message
}
