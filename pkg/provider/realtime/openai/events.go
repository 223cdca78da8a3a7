package openai

import "encoding/json"

// decodeServerEvent parses one wire message into its typed form. Decoding
// happens exactly once, at the ingress boundary.
func decodeServerEvent(data []byte) (*serverEvent, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type    string           `json:"type"`
	EventID string           `json:"event_id,omitempty"`
	Item    conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

// responseParams is populated only for out-of-band generation requests. Input
// must serialize as an empty array so the response is generated from the
// instructions alone, detached from the conversation history.
type responseParams struct {
	Conversation string            `json:"conversation"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Modalities   []string          `json:"modalities"`
	Instructions string            `json:"instructions"`
	Input        []any             `json:"input"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *responseObject `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// responseObject is the completed response carried by response.done. Metadata
// identifies out-of-band answer generations; Output holds the generated text.
type responseObject struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Output   []outputItem      `json:"output,omitempty"`
}

type outputItem struct {
	Content []outputPart `json:"content,omitempty"`
}

type outputPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// answerText extracts the generated text from a completed response, looking at
// the first content part of the first output item. Text responses carry the
// "text" field; audio parts carry "transcript".
func (r *responseObject) answerText() string {
	if r == nil || len(r.Output) == 0 || len(r.Output[0].Content) == 0 {
		return ""
	}
	part := r.Output[0].Content[0]
	if part.Text != "" {
		return part.Text
	}
	return part.Transcript
}

// isRAG reports whether the response was generated for a retrieval turn.
func (r *responseObject) isRAG() bool {
	return r != nil && r.Metadata["topic"] == ragTopic
}
