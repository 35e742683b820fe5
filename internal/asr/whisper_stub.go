//go:build !whisper

package asr

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// NewWhisper is unavailable without the whisper build tag.
func NewWhisper(path string, logger *logrus.Logger) (Transcriber, error) {
	return nil, errors.New("local whisper provider requires building with -tags whisper")
}
