//go:build whisper

package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensed/internal/config"
	"sensed/internal/vad"

	"github.com/gordonklaus/portaudio"
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
	"github.com/sirupsen/logrus"
)

// Mic reads the selected input device through PortAudio. When a gate is
// configured, frames webrtc judges non-speech are reported at zero volume so
// steady background noise never opens an utterance.
type Mic struct {
	cfg    *config.Config
	logger *logrus.Logger
	gate   *webrtcvad.VAD
}

// NewMic validates the audio settings for the gate and PortAudio.
func NewMic(cfg *config.Config, logger *logrus.Logger) (Source, error) {
	if cfg.Audio.Channels != 1 {
		return nil, fmt.Errorf("only mono input supported; set audio.channels = 1")
	}
	if cfg.Audio.FrameMS != 10 && cfg.Audio.FrameMS != 20 && cfg.Audio.FrameMS != 30 {
		return nil, fmt.Errorf("audio.frame_ms must be 10, 20, or 30 (got %d)", cfg.Audio.FrameMS)
	}
	m := &Mic{cfg: cfg, logger: logger}
	if cfg.Audio.GateAggressiveness >= 0 {
		switch cfg.Audio.SampleRate {
		case 8000, 16000, 32000, 48000:
		default:
			return nil, fmt.Errorf("sample_rate must be 8k/16k/32k/48k for the webrtc gate (got %d)", cfg.Audio.SampleRate)
		}
		gate, err := webrtcvad.New()
		if err != nil {
			return nil, fmt.Errorf("webrtc vad: %w", err)
		}
		if err := gate.SetMode(cfg.Audio.GateAggressiveness); err != nil {
			return nil, fmt.Errorf("webrtc vad mode: %w", err)
		}
		m.gate = gate
	}
	return m, nil
}

// SampleRate is the configured capture rate.
func (m *Mic) SampleRate() int { return m.cfg.Audio.SampleRate }

// Run opens the stream and emits one sample per frame until ctx is done.
func (m *Mic) Run(ctx context.Context, out chan<- vad.Sample) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	dev, err := selectDevice(m.cfg.Audio.DeviceName)
	if err != nil {
		return err
	}

	rate := m.cfg.Audio.SampleRate
	frameSamples := rate * m.cfg.Audio.FrameMS / 1000
	if m.gate != nil && !webrtcvad.ValidRateAndFrameLength(rate, frameSamples) {
		return fmt.Errorf("invalid frame_ms %d for sample_rate %d", m.cfg.Audio.FrameMS, rate)
	}

	buf := make([]int16, frameSamples)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: m.cfg.Audio.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frameSamples,
	}, &buf)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	defer stream.Stop()

	m.logger.Infof("listening on mic: %s @ %d Hz", dev.Name, rate)
	frameBytes := make([]byte, frameSamples*2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				m.logger.Warn("input overflow")
				continue
			}
			return fmt.Errorf("stream read: %w", err)
		}
		pcm := int16ToFloat(buf)
		volume := vad.RMS(pcm)
		if m.gate != nil {
			for i, s := range buf {
				binary.LittleEndian.PutUint16(frameBytes[i*2:], uint16(s))
			}
			speech, err := m.gate.Process(rate, frameBytes)
			if err == nil && !speech {
				volume = 0
			}
		}
		if err := send(ctx, out, vad.Sample{At: time.Now(), Volume: volume, PCM: pcm}); err != nil {
			return err
		}
	}
}

// ListDevices enumerates input devices.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()
	out := []Device{}
	for i, d := range devs {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Index:     i,
			Name:      d.Name,
			Channels:  d.MaxInputChannels,
			LatencyMs: d.DefaultLowInputLatency.Seconds() * 1000,
			Default:   def != nil && d.Name == def.Name,
		})
	}
	return out, nil
}

func selectDevice(preferred string) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if preferred != "" {
		for _, d := range devs {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(preferred)) {
				return d, nil
			}
		}
	}
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		return def, nil
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input devices found")
}
