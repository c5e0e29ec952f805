package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/iliamunaev/media-order-fulfillment/internal/apperr"
)

// QueueState is the provider's view of a job in its queue.
type QueueState string

const (
	QueueInQueue    QueueState = "IN_QUEUE"
	QueueInProgress QueueState = "IN_PROGRESS"
	QueueCompleted  QueueState = "COMPLETED"
	QueueUnknown    QueueState = "UNKNOWN"
)

// ParseQueueState normalizes a raw queue status.
func ParseQueueState(s string) QueueState {
	switch q := QueueState(strings.ToUpper(strings.TrimSpace(s))); q {
	case QueueInQueue, QueueInProgress, QueueCompleted:
		return q
	}
	return QueueUnknown
}

// Done reports whether the job left the queue.
func (q QueueState) Done() bool { return q == QueueCompleted }

// State is the remote outcome of a job as seen by fulfillment.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Outcome is the result of a finished job.
type Outcome struct {
	State     State
	ResultRef string
	Error     string
}

// Webhook is the body the provider posts to the completion callback.
type Webhook struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id"`
	Status           string          `json:"status"` // "OK" | "ERROR"
	Payload          json.RawMessage `json:"payload"`
	Error            string          `json:"error"`
}

// ParseWebhook decodes a completion callback body into an Outcome.
func ParseWebhook(body []byte) (Webhook, Outcome, error) {
	var wh Webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return Webhook{}, Outcome{}, fmt.Errorf("generation: webhook body: %w: %w", apperr.ErrBadRequest, err)
	}

	switch strings.ToUpper(wh.Status) {
	case "OK":
		if ref := MediaURL(wh.Payload); ref != "" {
			return wh, Outcome{State: StateSucceeded, ResultRef: ref}, nil
		}
		return wh, Outcome{State: StateFailed, Error: "no media in result"}, nil
	case "ERROR":
		reason := wh.Error
		if reason == "" {
			reason = payloadDetail(wh.Payload)
		}
		return wh, Outcome{State: StateFailed, Error: reason}, nil
	default:
		return wh, Outcome{State: StateRunning}, nil
	}
}

// MediaURL extracts the generated media link from a result payload.
// Video models answer with {"video":{"url"}}, image models with
// {"images":[{"url"}]}; a few return a bare {"url"}.
func MediaURL(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	for _, key := range []string{"video", "image", "file"} {
		if u := cast.ToString(cast.ToStringMap(m[key])["url"]); u != "" {
			return u
		}
	}
	for _, key := range []string{"videos", "images"} {
		list := cast.ToSlice(m[key])
		if len(list) > 0 {
			if u := cast.ToString(cast.ToStringMap(list[0])["url"]); u != "" {
				return u
			}
		}
	}
	return cast.ToString(m["url"])
}

func payloadDetail(payload json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) != nil {
		return ""
	}
	switch d := m["detail"].(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		b, _ := json.Marshal(d)
		return string(b)
	}
}
