// Package audio holds the PCM types shared by capture and playback: the
// fixed-size [AudioFrame] sent to the remote session, the inbound [Payload]
// it answers with, and the [FrameEncoder] that windows captured samples.
//
// Sub-packages provide the playback scheduler (audio/playback) and the local
// sound card bindings (audio/device).
package audio

import "time"

// MessageAudioData is the Type of every [OutboundMessage] produced by the
// [FrameEncoder].
const MessageAudioData = "audioData"

// AudioFrame is one fixed-size window of little-endian signed 16-bit PCM.
// Frames are immutable once produced and are handed from stage to stage
// without shared mutation.
type AudioFrame struct {
	// Data holds the interleaved int16 LE samples.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is always 1 in this pipeline.
	Channels int

	// Timestamp marks the capture position of the first sample relative to
	// stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// OutboundMessage is the envelope sent to the remote session for every filled
// encoder window.
type OutboundMessage struct {
	Type  string     `json:"type"`
	Frame AudioFrame `json:"frame"`
}

// Encoding describes how the bytes of a [Payload] are represented.
type Encoding int

const (
	// EncodingRaw means Data already holds int16 LE PCM.
	EncodingRaw Encoding = iota

	// EncodingBase64 means Data holds the standard base64 text of int16 LE PCM.
	EncodingBase64
)

// String returns the encoding name.
func (e Encoding) String() string {
	switch e {
	case EncodingRaw:
		return "raw"
	case EncodingBase64:
		return "base64"
	default:
		return "unknown"
	}
}

// Payload is an inbound audio clip as delivered by the remote session, before
// decoding.
type Payload struct {
	Data     []byte
	Encoding Encoding

	// MIMEType carries the sample rate, e.g. "audio/pcm;rate=24000". Empty
	// means the scheduler's default rate.
	MIMEType string
}
