package run

import (
	"context"
	"errors"

	"sensed/internal/vad"
)

// pump moves samples from the audio source into the coordinator. It runs
// while a listening session or a microphone test needs input.
type pump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Server) startAudio() error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audio != nil {
		select {
		case <-s.audio.done:
			// The source ended on its own; open a fresh one.
			s.audio = nil
		default:
			return nil
		}
	}
	cfg := s.config()
	src, err := s.newSource(cfg, s.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	samples := make(chan vad.Sample, 64)
	p := &pump{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(samples)
		if err := src.Run(ctx, samples); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Errorf("audio source: %v", err)
		}
	}()
	go func() {
		defer close(p.done)
		for smp := range samples {
			s.coord.Feed(smp)
		}
	}()
	s.audio = p
	s.logger.Debugf("audio source opened at %d Hz", src.SampleRate())
	return nil
}

// releaseAudio stops the source once nothing needs it.
func (s *Server) releaseAudio() {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audio == nil {
		return
	}
	if s.coord.Listening() {
		return
	}
	if _, running := s.coord.TestStatus(); running {
		return
	}
	s.closeAudioLocked()
}

func (s *Server) stopAudio() {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audio != nil {
		s.closeAudioLocked()
	}
}

func (s *Server) closeAudioLocked() {
	s.audio.cancel()
	<-s.audio.done
	s.audio = nil
	s.logger.Debug("audio source closed")
}
