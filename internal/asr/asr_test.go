package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sensed/internal/config"
	"sensed/internal/logging"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleRecognitionEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func tone(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.25
		if i%2 == 1 {
			out[i] = -0.25
		}
	}
	return out
}

// nlsServer plays the recognizer side: it acknowledges the start, collects
// audio until StopRecognition, repeats one SentenceEnd, then completes.
func nlsServer(t *testing.T, failStart bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var received atomic.Int64
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		reply := func(name string, status int, payload string) {
			msg := map[string]any{
				"header": map[string]any{
					"message_id": "m-" + name,
					"task_id":    "task-1",
					"namespace":  "SpeechRecognizer",
					"name":       name,
					"status":     status,
				},
				"payload": json.RawMessage(payload),
			}
			_ = conn.WriteJSON(msg)
		}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				if len(data) > nlsChunkBytes {
					t.Errorf("chunk of %d bytes exceeds %d", len(data), nlsChunkBytes)
				}
				received.Add(int64(len(data)))
				continue
			}
			var msg nlsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("bad client message: %v", err)
				return
			}
			if msg.Header.AppKey != "app" || msg.Header.Namespace != nlsNamespace {
				t.Errorf("header = %+v", msg.Header)
			}
			switch msg.Header.Name {
			case NLSStartRecognition:
				if failStart {
					reply(NLSTaskFailed, 40000001, `{}`)
					return
				}
				reply(NLSRecognitionStarted, nlsStatusOK, `{}`)
			case NLSStopRecognition:
				reply(NLSSentenceEnd, nlsStatusOK, `{"result":"hello"}`)
				reply(NLSSentenceEnd, nlsStatusOK, `{"result":"hello"}`)
				reply(NLSRecognitionCompleted, nlsStatusOK, `{"result":" hello world "}`)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func nlsRequest(samples []float32) Request {
	return Request{
		Samples:     samples,
		SampleRate:  TargetSampleRate,
		Credentials: config.Credentials{NLSAppKey: "app", NLSToken: "tok"},
	}
}

func TestNLSTranscribe(t *testing.T) {
	srv, received := nlsServer(t, false)
	rec := &eventRecorder{}
	n := NewNLS("ws"+strings.TrimPrefix(srv.URL, "http"), logging.NewTestLogger(), rec)
	n.chunkDelay = 0

	samples := tone(TargetSampleRate / 2)
	text, err := n.Transcribe(context.Background(), nlsRequest(samples))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("text = %q", text)
	}
	if received.Load() != int64(len(samples)*2) {
		t.Fatalf("server received %d bytes, want %d", received.Load(), len(samples)*2)
	}
	got := strings.Join(rec.names(), ",")
	want := "RecognitionStarted,SentenceEnd,SentenceEnd,RecognitionCompleted"
	if got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
}

func TestNLSTaskFailed(t *testing.T) {
	srv, _ := nlsServer(t, true)
	n := NewNLS("ws"+strings.TrimPrefix(srv.URL, "http"), logging.NewTestLogger(), nil)
	_, err := n.Transcribe(context.Background(), nlsRequest(tone(320)))
	if !errors.Is(err, ErrRecognitionFailed) {
		t.Fatalf("expected ErrRecognitionFailed, got %v", err)
	}
}

func TestNLSMissingCredentials(t *testing.T) {
	n := NewNLS("ws://127.0.0.1:1/ws", logging.NewTestLogger(), nil)
	_, err := n.Transcribe(context.Background(), Request{Samples: tone(10), SampleRate: TargetSampleRate})
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestOpenAIRequiresKey(t *testing.T) {
	o := NewOpenAI("", "", logging.NewTestLogger())
	if _, err := o.Transcribe(context.Background(), Request{Samples: tone(10), SampleRate: 16000}); !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestCommandTranscriber(t *testing.T) {
	c, err := NewCommand(`/bin/sh -c 'test -s "$1" && echo "  heard it  "' sh`, nil, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	text, err := c.Transcribe(context.Background(), Request{Samples: tone(1600), SampleRate: 16000})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "heard it" {
		t.Fatalf("text = %q", text)
	}

	failing, _ := NewCommand("/bin/sh -c 'exit 2'", nil, logging.NewTestLogger())
	if _, err := failing.Transcribe(context.Background(), Request{Samples: tone(10), SampleRate: 16000}); err == nil {
		t.Fatalf("expected error from failing command")
	}
	if _, err := NewCommand("  ", nil, logging.NewTestLogger()); !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("blank command: %v", err)
	}
}

type staticTranscriber string

func (s staticTranscriber) Transcribe(context.Context, Request) (string, error) {
	return string(s), nil
}

func TestAudioDumpSavesWAV(t *testing.T) {
	dir := t.TempDir()
	tr := WithAudioDump(staticTranscriber("ok"), dir, logging.NewTestLogger())
	text, err := tr.Transcribe(context.Background(), Request{Samples: tone(480), SampleRate: 48000})
	if err != nil || text != "ok" {
		t.Fatalf("transcribe = %q, %v", text, err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "utterance-*.wav"))
	if len(files) != 1 {
		t.Fatalf("expected one dump, got %v", files)
	}
	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open dump: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("dump is not a valid wav")
	}
	if dec.SampleRate != TargetSampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("dump format %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
}

func TestEncodeWAV(t *testing.T) {
	data, err := EncodeWAV(tone(100), 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buf.Data) != 100 {
		t.Fatalf("decoded %d samples, want 100", len(buf.Data))
	}
}

func TestPCM16Clips(t *testing.T) {
	got := PCM16([]float32{2, -2, 0})
	if got[0] != 32767 || got[1] != -32767 || got[2] != 0 {
		t.Fatalf("pcm16 = %v", got)
	}
	if b := PCM16Bytes([]float32{1}); len(b) != 2 || b[0] != 0xff || b[1] != 0x7f {
		t.Fatalf("pcm16 bytes = %v", b)
	}
}

func TestResampleLength(t *testing.T) {
	in := []float32{0, 1, 2, 3}
	if out := Resample(in, 16000, 8000); len(out) != 2 {
		t.Fatalf("downsample length got %d", len(out))
	}
	if out := Resample(in, 8000, 16000); len(out) != 8 {
		t.Fatalf("upsample length got %d", len(out))
	}
}

func TestResampleEnds(t *testing.T) {
	out := Resample([]float32{0, 10}, 1000, 2000)
	if out[0] != 0 || out[len(out)-1] != 10 {
		t.Fatalf("endpoints not preserved: %v", out)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	cfg, _ := config.Default()
	cfg.ASR.Provider = "carrier-pigeon"
	if _, err := New(cfg, logging.NewTestLogger(), nil); !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	cfg.ASR.Provider = "nls"
	cfg.ASR.SaveAudio = true
	tr, err := New(cfg, logging.NewTestLogger(), nil)
	if err != nil {
		t.Fatalf("new nls: %v", err)
	}
	if _, ok := tr.(*audioDump); !ok {
		t.Fatalf("save_audio should wrap the provider, got %T", tr)
	}
}

func TestNLSHonorsContext(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never acknowledge.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	n := NewNLS("ws"+strings.TrimPrefix(srv.URL, "http"), logging.NewTestLogger(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := n.Transcribe(ctx, nlsRequest(tone(10)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("transcribe ignored the context")
	}
}
