package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/digest-engine/internal/metrics"
)

const elevenLabsSTTEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"

// Audio downloads beyond this are refused rather than buffered.
const maxAudioBytes = 512 << 20 // 512 MiB

// ElevenLabsClient transcribes podcast audio through the ElevenLabs
// Speech-to-Text API. Used for feed items that carry an audio URL but no
// caption track. The underlying SDKless HTTP client keeps no shared state,
// but instances are still constructed per worker to match the acquirer
// contract.
type ElevenLabsClient struct {
	apiKey   string
	model    string // "scribe_v1" or "scribe_v2"
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// elevenlabsResponse is the JSON response from the ElevenLabs STT API.
type elevenlabsResponse struct {
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Text                string  `json:"text"`
}

func NewElevenLabsClient(apiKey, model string, timeout time.Duration, log zerolog.Logger) *ElevenLabsClient {
	if model == "" {
		model = "scribe_v1"
	}
	return &ElevenLabsClient{
		apiKey:   apiKey,
		model:    model,
		endpoint: elevenLabsSTTEndpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Acquire downloads the episode audio and sends it to the STT API.
func (el *ElevenLabsClient) Acquire(ctx context.Context, req Request) Outcome {
	if req.ContentURL == "" {
		metrics.TranscriptFetchesTotal.WithLabelValues("elevenlabs", "not_available").Inc()
		return notAvailable("no audio URL for episode " + req.EpisodeGUID)
	}

	audio, out, failed := el.download(ctx, req.ContentURL)
	if failed {
		metrics.TranscriptFetchesTotal.WithLabelValues("elevenlabs", outcomeLabel(out)).Inc()
		return out
	}

	out = el.transcribe(ctx, req.EpisodeGUID, audio)
	metrics.TranscriptFetchesTotal.WithLabelValues("elevenlabs", outcomeLabel(out)).Inc()
	return out
}

func (el *ElevenLabsClient) download(ctx context.Context, rawURL string) ([]byte, Outcome, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, transient(err.Error()), true
	}
	resp, err := el.client.Do(req)
	if err != nil {
		return nil, transient(fmt.Sprintf("audio download: %v", err)), true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, notAvailable("404: audio gone"), true
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transient(fmt.Sprintf("audio download status %d", resp.StatusCode)), true
	case resp.StatusCode != http.StatusOK:
		return nil, notAvailable(fmt.Sprintf("audio download status %d", resp.StatusCode)), true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, transient(fmt.Sprintf("audio download: %v", err)), true
	}
	if len(body) > maxAudioBytes {
		return nil, notAvailable("corrupt: audio exceeds size limit"), true
	}
	return body, Outcome{}, false
}

func (el *ElevenLabsClient) transcribe(ctx context.Context, guid string, audio []byte) Outcome {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", guid+".mp3")
	if err != nil {
		return transient(err.Error())
	}
	if _, err := part.Write(audio); err != nil {
		return transient(err.Error())
	}
	w.WriteField("model_id", el.model)
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, el.endpoint, &buf)
	if err != nil {
		return transient(err.Error())
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", el.apiKey)

	resp, err := el.client.Do(req)
	if err != nil {
		return transient(fmt.Sprintf("elevenlabs request: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transient(fmt.Sprintf("read response: %v", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transient(fmt.Sprintf("elevenlabs status %d: %s", resp.StatusCode, truncate(body, 200)))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return notAvailable(fmt.Sprintf("failed validation: %s", truncate(body, 200)))
	case resp.StatusCode != http.StatusOK:
		return notAvailable(fmt.Sprintf("elevenlabs status %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var result elevenlabsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return notAvailable(fmt.Sprintf("corrupt STT response: %v", err))
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return notAvailable("no subtitles: STT returned empty text")
	}
	lang := result.LanguageCode
	if lang == "" {
		lang = "en"
	}
	// STT output is machine-generated by definition.
	return ok(text, lang, true)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
