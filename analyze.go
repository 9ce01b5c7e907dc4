package nmapai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

const analystInstruction = "You are a security analyst. Analyze Nmap and DursVuln findings. " +
	"Summarize key risks, candidate CVEs, and top 5 prioritized actions. Concise Markdown."

// Chunk lifecycle states.
const (
	statusPending    = "pending"
	statusRequesting = "requesting"
	statusSucceeded  = "succeeded"
	statusFailed     = "failed"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// InferenceClient speaks the chat-completions wire format to any compatible
// endpoint. Requests are paced by a shared limiter and bounded by the
// per-request timeout.
type InferenceClient struct {
	settings *AnalyzeSettings
	client   *http.Client
	limiter  *rate.Limiter
}

func NewInferenceClient(set *AnalyzeSettings) *InferenceClient {
	rpm := set.RequestsPerMinute
	if rpm < 1 {
		rpm = 1
	}
	return &InferenceClient{
		settings: set,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

// Complete sends one chunk and returns the assistant's text plus the raw
// request and response bodies for audit. Throttling is ErrRateLimit; any
// other transport or shape problem is ErrTransport.
func (c *InferenceClient) Complete(ctx context.Context, data string) (content string, reqBody, respBody []byte, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", nil, nil, errors.Wrap(err, "limiter interrupted")
	}

	payload := chatRequest{
		Model: c.settings.Model,
		Messages: []chatMessage{
			{Role: "system", Content: analystInstruction},
			{Role: "user", Content: data},
		},
		MaxTokens:   c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
		TopP:        c.settings.TopP,
	}
	reqBody, err = json.Marshal(payload)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "failed to encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", reqBody, nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", reqBody, nil, errors.Wrapf(ErrTransport, "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", reqBody, respBody, errors.Wrap(ErrRateLimit, "endpoint throttled the request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", reqBody, respBody, errors.Wrapf(ErrTransport, "endpoint returned %s", resp.Status)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", reqBody, respBody, errors.Wrapf(ErrTransport, "malformed response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return "", reqBody, respBody, errors.Wrap(ErrTransport, "response carried no choices")
	}
	if parsed.Choices[0].Message.Content == "" {
		return "", reqBody, respBody, errors.Wrap(ErrTransport, "response carried no content")
	}
	return parsed.Choices[0].Message.Content, reqBody, respBody, nil
}

// Summarizer drives the corpus through the inference endpoint one chunk at a
// time, retrying each chunk before marking it failed. The report always gets
// written: failed chunks become sections that carry the error instead of
// analysis.
type Summarizer struct {
	settings *AnalyzeSettings
	client   *InferenceClient
	analyses *analysisRepo

	// test seam; defaults to time.Sleep
	sleep func(time.Duration)
}

func NewSummarizer(set *AnalyzeSettings, client *InferenceClient, analyses *analysisRepo) *Summarizer {
	return &Summarizer{
		settings: set,
		client:   client,
		analyses: analyses,
		sleep:    time.Sleep,
	}
}

// Run splits the corpus, processes chunks strictly in order and writes the
// assembled report to w. Chunk outcomes are persisted as Analysis rows.
func (s *Summarizer) Run(ctx context.Context, runID uint, corpus string, w io.Writer) error {
	chunks := SplitCorpus(corpus, s.settings.ChunkSize)

	var b strings.Builder
	b.WriteString("# AI Analysis\n\n")
	fmt.Fprintf(&b, "- Model: %s\n", s.settings.Model)
	fmt.Fprintf(&b, "- Chunks: %d\n\n", len(chunks))

	if len(chunks) == 0 {
		b.WriteString("_Empty corpus, nothing to analyze._\n")
		_, err := io.WriteString(w, b.String())
		return errors.Wrap(err, "failed to write analysis report")
	}

	failed := 0
	for _, chunk := range chunks {
		row := s.process(ctx, runID, chunk)

		fmt.Fprintf(&b, "## Chunk %d\n\n", chunk.Index)
		if row.Status == statusSucceeded {
			b.WriteString(row.Content)
		} else {
			failed++
			fmt.Fprintf(&b, "_Analysis failed: %s_", row.Error)
		}
		b.WriteString("\n\n")

		if err := s.analyses.addAnalysis(row); err != nil {
			log.Warn().Err(err).Str("stage", "analyze").Msg("failed to record chunk outcome")
		}
	}

	log.Info().Str("stage", "analyze").
		Int("chunks", len(chunks)).
		Int("failed", failed).
		Msg("analysis complete")

	_, err := io.WriteString(w, b.String())
	return errors.Wrap(err, "failed to write analysis report")
}

// process runs one chunk to a terminal state, backing off between attempts.
func (s *Summarizer) process(ctx context.Context, runID uint, chunk Chunk) *Analysis {
	row := &Analysis{
		RunID:      runID,
		ChunkIndex: chunk.Index,
		Status:     statusPending,
	}

	backoff := s.settings.Backoff
	attempts := s.settings.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		row.Status = statusRequesting
		log.Info().Str("stage", "analyze").
			Int("chunk", chunk.Index).
			Int("attempt", attempt).
			Msg("requesting analysis")

		content, reqBody, respBody, err := s.client.Complete(ctx, chunk.Data)
		if payload := auditPayload(reqBody, respBody); payload != nil {
			row.Payload = payload
		}
		if err == nil {
			row.Status = statusSucceeded
			row.Content = content
			row.Error = ""
			return row
		}

		row.Error = err.Error()
		log.Warn().Err(err).Str("stage", "analyze").
			Int("chunk", chunk.Index).
			Int("attempt", attempt).
			Msg("analysis attempt failed")

		if attempt < attempts {
			s.sleep(backoff)
			backoff *= 2
		}
	}

	row.Status = statusFailed
	return row
}

func auditPayload(reqBody, respBody []byte) datatypes.JSON {
	if reqBody == nil && respBody == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]json.RawMessage{
		"request":  rawOrNull(reqBody),
		"response": rawOrNull(respBody),
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(payload)
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}
