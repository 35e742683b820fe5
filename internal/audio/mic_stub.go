//go:build !whisper

package audio

import (
	"sensed/internal/config"

	"github.com/sirupsen/logrus"
)

// NewMic is unavailable without PortAudio.
func NewMic(cfg *config.Config, logger *logrus.Logger) (Source, error) {
	return nil, ErrNoPortAudio
}

// ListDevices is unavailable without PortAudio.
func ListDevices() ([]Device, error) {
	return nil, ErrNoPortAudio
}
