// Package relay bridges browser clients to upstream realtime speech sessions.
//
// Each accepted WebSocket connection owns exactly one upstream session. The
// relay performs a pure structural translation between the client wire
// envelope and the upstream audio-append path, and forwards reassembled
// synthesized responses back to the client. It holds no conversation state of
// its own; all turn protocol logic lives behind [realtime.SessionHandle].
package relay

import (
	"encoding/json"
	"fmt"
)

// Client wire event types. Anything else is logged and ignored.
const (
	// EventAudioInput carries one base64 PCM16 microphone frame from the
	// client.
	EventAudioInput = "audio_input_transmitting"

	// EventAudioResponse carries one base64 PCM16 reassembled synthesized
	// response to the client.
	EventAudioResponse = "audio_response_transmitting"

	// EventConnectivity is the handshake acknowledgement sent once after
	// accept.
	EventConnectivity = "checking connectivity"

	// ConnectivityAck is the event_data of the handshake acknowledgement.
	ConnectivityAck = "connection established"
)

// Envelope is the client wire message, both directions.
type Envelope struct {
	EventType string `json:"event_type"`
	EventData string `json:"event_data"`
}

// DecodeEnvelope parses one client wire message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("relay: decode envelope: %w", err)
	}
	return env, nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("relay: encode envelope: %w", err)
	}
	return data, nil
}
