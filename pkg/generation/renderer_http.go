package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"myway/pkg/domain"
)

// HTTPRenderer calls an OpenAI-compatible /v1/images/generations endpoint.
// Video is not offered by that API and fails with ErrUnsupportedMedia.
type HTTPRenderer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPRenderer builds a renderer. baseURL should include the /v1 prefix,
// e.g. "http://localhost:8000/v1". apiKey may be empty for local models.
func NewHTTPRenderer(baseURL, apiKey, model string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPRenderer{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var aspectSizes = map[string]string{
	"1:1":  "1024x1024",
	"16:9": "1408x768",
	"9:16": "768x1408",
	"4:3":  "1152x896",
	"3:4":  "896x1152",
}

// Render implements Renderer.
func (r *HTTPRenderer) Render(ctx context.Context, req RenderRequest) (Rendered, error) {
	if req.Type != domain.MediaImage {
		return Rendered{}, fmt.Errorf("%w: %s", ErrUnsupportedMedia, req.Type)
	}
	if r.model == "" {
		return Rendered{}, fmt.Errorf("image generation model required")
	}
	size, ok := aspectSizes[req.Aspect]
	if !ok {
		size = aspectSizes["1:1"]
	}
	prompt := req.Prompt
	if len(req.References) > 0 {
		prompt = "Feature the person from the reference image: " + prompt
	}
	body, err := json.Marshal(imageRequest{
		Model:          r.model,
		Prompt:         prompt,
		N:              1,
		Size:           size,
		ResponseFormat: "b64_json",
		Seed:           req.Seed,
	})
	if err != nil {
		return Rendered{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return Rendered{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Rendered{}, fmt.Errorf("image api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp apiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Rendered{}, fmt.Errorf("image api error: %s", errResp.Error.Message)
		}
		return Rendered{}, fmt.Errorf("image api error: %s", resp.Status)
	}

	var imgResp imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&imgResp); err != nil {
		return Rendered{}, fmt.Errorf("image api decode: %w", err)
	}
	if len(imgResp.Data) == 0 || imgResp.Data[0].B64JSON == "" {
		return Rendered{}, fmt.Errorf("empty response from image api")
	}
	data, err := base64.StdEncoding.DecodeString(imgResp.Data[0].B64JSON)
	if err != nil {
		return Rendered{}, fmt.Errorf("image api payload: %w", err)
	}
	return Rendered{
		Data:        data,
		ContentType: "image/png",
		Extension:   "png",
		Model:       r.model,
		Scores:      map[string]float64{},
	}, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
	Seed           *int64 `json:"seed,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
