package app

import (
	"github.com/MrWong99/qualivox/pkg/audio/device"
	"github.com/MrWong99/qualivox/pkg/audio/playback"
)

// Microphone is a started-on-demand capture device.
type Microphone interface {
	Start() error
	Close() error
}

// Speaker plays a timeline and can drop already-buffered audio.
type Speaker interface {
	Flush()
	Close() error
}

// DeviceOpener opens the local sound card. Calls with audio.device "none"
// never use it.
type DeviceOpener interface {
	OpenMicrophone(sampleRate int, onCapture func([]byte)) (Microphone, error)
	OpenSpeaker(tl *playback.Timeline) (Speaker, error)
}

// localDevices opens the default malgo capture and oto output devices.
type localDevices struct{}

func (localDevices) OpenMicrophone(sampleRate int, onCapture func([]byte)) (Microphone, error) {
	return device.OpenMicrophone(sampleRate, onCapture)
}

func (localDevices) OpenSpeaker(tl *playback.Timeline) (Speaker, error) {
	return device.OpenSpeaker(tl)
}
