package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/redact"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/resilience"
)

// HTTPObserver posts every event as JSON to a set of open-data endpoints.
// Failures are logged and swallowed; an endpoint that keeps failing is
// skipped until its breaker cools down.
type HTTPObserver struct {
	urls     []string
	client   *http.Client
	timeout  time.Duration
	breakers map[string]*resilience.CircuitBreaker
	log      *slog.Logger
}

type HTTPOptions struct {
	URLs    []string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewHTTPObserver(opts HTTPOptions) *HTTPObserver {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &HTTPObserver{
		urls:     append([]string(nil), opts.URLs...),
		client:   opts.Client,
		timeout:  opts.Timeout,
		breakers: make(map[string]*resilience.CircuitBreaker, len(opts.URLs)),
		log:      opts.Logger,
	}
	for _, u := range o.urls {
		o.breakers[u] = resilience.NewCircuitBreaker(3, time.Minute)
	}
	return o
}

type payload struct {
	Utterance string         `json:"utterance"`
	Intent    string         `json:"intent"`
	Lang      string         `json:"lang"`
	MatchData map[string]any `json:"match_data"`
	SkillID   string         `json:"skill_id,omitempty"`
	Event     string         `json:"event"`
	Time      float64        `json:"time"`
}

// RecordEvent uploads intent matches; other events are ignored.
func (o *HTTPObserver) RecordEvent(ev Event) {
	if len(o.urls) == 0 || ev.Name != EventIntentMatch {
		return
	}
	body, err := json.Marshal(payload{
		Utterance: redact.Text(ev.Utterance),
		Intent:    ev.Intent,
		Lang:      ev.Lang,
		MatchData: redact.Map(ev.MatchData),
		SkillID:   ev.SkillID,
		Event:     ev.Name,
		Time:      float64(ev.Time.UnixMilli()) / 1000,
	})
	if err != nil {
		o.log.Warn("metrics_encode_failed", "error", err)
		return
	}
	for _, u := range o.urls {
		cb := o.breakers[u]
		if !cb.Allow() {
			continue
		}
		if err := o.post(u, body); err != nil {
			cb.OnError(err)
			o.log.Warn("metrics_upload_failed", "url", u, "reason", errorsx.Reason(err), "error", err)
			continue
		}
		cb.OnSuccess()
	}
}

func (o *HTTPObserver) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMetricsUpload)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMetricsUpload)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errorsx.Errorf(errorsx.ReasonMetricsUpload, "upload %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// String is used in logs.
func (o *HTTPObserver) String() string {
	return fmt.Sprintf("http(%d endpoints)", len(o.urls))
}
