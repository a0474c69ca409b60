package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// JudgeVerifier asks a remote judge service whether a prompt is safe to
// answer automatically. The judge sees only the rendered prompt text,
// never raw terminal bytes.
type JudgeVerifier struct {
	baseURL    string
	token      func() (string, error)
	httpClient *http.Client
	logger     *slog.Logger
}

// NewJudgeVerifier creates a judge client. token supplies the bearer
// token per request and may return empty for anonymous judges.
func NewJudgeVerifier(baseURL string, token func() (string, error), logger *slog.Logger) *JudgeVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	if token == nil {
		token = func() (string, error) { return "", nil }
	}
	return &JudgeVerifier{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// verifyRequest is the request body for POST /v1/verify.
type verifyRequest struct {
	Prompt string `json:"prompt"`
}

// verifyResponse is the judge's verdict.
type verifyResponse struct {
	NeedsPermission bool   `json:"needsPermission"`
	Reason          string `json:"reason"`
}

// Verify implements Verifier.
func (v *JudgeVerifier) Verify(ctx context.Context, text string) (Decision, error) {
	url := fmt.Sprintf("%s/v1/verify", v.baseURL)

	body, err := json.Marshal(verifyRequest{Prompt: text})
	if err != nil {
		return Decision{}, fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok, err := v.token(); err == nil && tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Decision{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Decision{}, fmt.Errorf("decoding response: %w", err)
	}

	return Decision{
		NeedsPermission: result.NeedsPermission,
		Reason:          result.Reason,
	}, nil
}
