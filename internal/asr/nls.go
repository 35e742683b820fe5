package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// NLS recognizer protocol constants.
const (
	nlsNamespace  = "SpeechRecognizer"
	nlsStatusOK   = 20000000
	nlsChunkBytes = 3200

	NLSStartRecognition     = "StartRecognition"
	NLSStopRecognition      = "StopRecognition"
	NLSRecognitionStarted   = "RecognitionStarted"
	NLSRecognitionCompleted = "RecognitionCompleted"
	NLSResultChanged        = "RecognitionResultChanged"
	NLSSentenceEnd          = "SentenceEnd"
	NLSTaskFailed           = "TaskFailed"
)

// ErrRecognitionFailed is returned when the service reports a failure.
var ErrRecognitionFailed = errors.New("recognition failed")

type nlsHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type nlsMessage struct {
	Header  nlsHeader       `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type nlsStartPayload struct {
	Format                         string `json:"format"`
	SampleRate                     int    `json:"sample_rate"`
	EnableIntermediateResult       bool   `json:"enable_intermediate_result"`
	EnablePunctuationPrediction    bool   `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool   `json:"enable_inverse_text_normalization"`
}

type nlsResultPayload struct {
	Result string `json:"result"`
}

// NLS streams an utterance to a websocket speech recognizer that reports
// progress as task/message/event headers. Every server event is forwarded to
// the sink before it is interpreted here.
type NLS struct {
	endpoint string
	logger   *logrus.Logger
	sink     EventSink
	dialer   *websocket.Dialer
	// chunkDelay paces binary frames; the service rejects bursts.
	chunkDelay  time.Duration
	readTimeout time.Duration
}

// NewNLS returns a recognizer client for endpoint.
func NewNLS(endpoint string, logger *logrus.Logger, sink EventSink) *NLS {
	return &NLS{
		endpoint:    endpoint,
		logger:      logger,
		sink:        sink,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		chunkDelay:  10 * time.Millisecond,
		readTimeout: 10 * time.Second,
	}
}

func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (n *NLS) Transcribe(ctx context.Context, req Request) (string, error) {
	creds := req.Credentials
	if creds.NLSAppKey == "" || creds.NLSToken == "" {
		return "", fmt.Errorf("nls appkey/token: %w", ErrConfigurationMissing)
	}
	u, err := url.Parse(n.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse asr.endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", creds.NLSToken)
	u.RawQuery = q.Encode()

	conn, _, err := n.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("nls connect: %w", err)
	}
	defer conn.Close()

	// Unblock reads when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	taskID := newTaskID()
	start, _ := json.Marshal(nlsStartPayload{
		Format:                         "pcm",
		SampleRate:                     TargetSampleRate,
		EnableIntermediateResult:       true,
		EnablePunctuationPrediction:    true,
		EnableInverseTextNormalization: true,
	})
	if err := n.send(conn, taskID, creds.NLSAppKey, NLSStartRecognition, start); err != nil {
		return "", err
	}
	if _, err := n.await(ctx, conn, NLSRecognitionStarted); err != nil {
		return "", err
	}

	pcm := PCM16Bytes(Normalize(req))
	for off := 0; off < len(pcm); off += nlsChunkBytes {
		end := min(off+nlsChunkBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return "", n.wrapErr(ctx, fmt.Errorf("nls send audio at %d: %w", off, err))
		}
		if end < len(pcm) && n.chunkDelay > 0 {
			time.Sleep(n.chunkDelay)
		}
	}
	n.logger.Debugf("nls task %s: sent %d bytes", taskID, len(pcm))

	if err := n.send(conn, taskID, creds.NLSAppKey, NLSStopRecognition, json.RawMessage(`{}`)); err != nil {
		return "", err
	}
	msg, err := n.await(ctx, conn, NLSRecognitionCompleted)
	if err != nil {
		return "", err
	}
	var p nlsResultPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", fmt.Errorf("nls result payload: %w", err)
		}
	}
	return strings.TrimSpace(p.Result), nil
}

func (n *NLS) send(conn *websocket.Conn, taskID, appKey, name string, payload json.RawMessage) error {
	msg := nlsMessage{
		Header: nlsHeader{
			MessageID: newTaskID(),
			TaskID:    taskID,
			Namespace: nlsNamespace,
			Name:      name,
			AppKey:    appKey,
		},
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("nls send %s: %w", name, err)
	}
	return nil
}

// await reads until the named event arrives. TaskFailed and non-OK statuses
// end the task.
func (n *NLS) await(ctx context.Context, conn *websocket.Conn, want string) (nlsMessage, error) {
	for {
		if n.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(n.readTimeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nlsMessage{}, n.wrapErr(ctx, fmt.Errorf("nls waiting for %s: %w", want, err))
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg nlsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			n.logger.Warnf("nls: undecodable message: %v", err)
			continue
		}
		n.emit(msg)

		h := msg.Header
		if h.Name == NLSTaskFailed || (h.Status != 0 && h.Status != nlsStatusOK) {
			return msg, fmt.Errorf("%w: %s %d %s", ErrRecognitionFailed, h.Name, h.Status, h.StatusText)
		}
		if h.Name == want {
			return msg, nil
		}
	}
}

func (n *NLS) emit(msg nlsMessage) {
	if n.sink == nil {
		return
	}
	ev := Event{
		TaskID:     msg.Header.TaskID,
		MessageID:  msg.Header.MessageID,
		Name:       msg.Header.Name,
		Status:     msg.Header.Status,
		StatusText: msg.Header.StatusText,
	}
	if len(msg.Payload) > 0 {
		var p nlsResultPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			ev.Result = p.Result
		}
	}
	n.sink.HandleRecognitionEvent(ev)
}

func (n *NLS) wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%v: %w", err, ctxErr)
	}
	return err
}
