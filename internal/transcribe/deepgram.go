// Package transcribe converts WhatsApp voice notes to text with the
// Deepgram pre-recorded audio API.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/financiia/marill/internal/httpkit"
)

// DefaultEndpoint is the Deepgram pre-recorded listen endpoint.
const DefaultEndpoint = "https://api.deepgram.com/v1/listen"

// ErrNoTranscript is returned when the response carries no alternative.
var ErrNoTranscript = errors.New("no transcript in response")

// Config configures a Deepgram client.
type Config struct {
	APIKey   string
	Model    string // default "nova-2"
	Language string // default "pt-BR"
	Endpoint string // default DefaultEndpoint
	Logger   *slog.Logger

	HTTPClient *http.Client
}

// Deepgram transcribes audio by URL. The audio must be reachable by
// Deepgram; WAHA media URLs are.
type Deepgram struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewDeepgram creates a transcription client.
func NewDeepgram(cfg Config) *Deepgram {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "pt-BR"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(1, 2*time.Second),
			httpkit.WithLogger(logger),
		)
	}
	return &Deepgram{cfg: cfg, http: hc, logger: logger.With("component", "deepgram")}
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe returns the best transcript of the audio at audioURL and
// its confidence in [0,1].
func (d *Deepgram) Transcribe(ctx context.Context, audioURL string) (string, float64, error) {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("smart_format", "true")
	q.Set("language", d.cfg.Language)

	h := http.Header{}
	h.Set("Authorization", "Token "+d.cfg.APIKey)

	start := time.Now()
	var resp listenResponse
	err := httpkit.DoJSON(ctx, d.http, httpkit.Request{
		Method: http.MethodPost,
		URL:    d.cfg.Endpoint + "?" + q.Encode(),
		Header: h,
		Body:   map[string]string{"url": audioURL},
	}, &resp)
	if err != nil {
		return "", 0, fmt.Errorf("deepgram listen: %w", err)
	}

	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", 0, ErrNoTranscript
	}
	alt := resp.Results.Channels[0].Alternatives[0]

	d.logger.Debug("audio transcribed",
		"confidence", alt.Confidence,
		"chars", len(alt.Transcript),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return alt.Transcript, alt.Confidence, nil
}
