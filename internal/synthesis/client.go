// Package synthesis is the HTTP client for the external TTS service. One
// request is issued per text segment and the streamed audio response is
// written straight to the staging file.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/nthree/aozorastation/internal/config"
)

// Client talks to one synthesis service instance.
type Client struct {
	baseURL string
	cfg     config.SynthesisConfig
	http    *http.Client
	log     *slog.Logger
}

func NewClient(cfg config.SynthesisConfig, log *slog.Logger) *Client {
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		cfg:     cfg,
		http:    httpClient,
		log:     log.With(slog.String("component", "synthesis-client")),
	}
}

// Synthesize requests audio for one segment and streams the response body to
// destPath. It returns only after the file is fully written and closed. On
// any failure the error is returned and a partially written file, if any, is
// left in place; zero-byte leftovers are excluded later by the merge filter.
func (c *Client) Synthesize(ctx context.Context, text string, modelID int, destPath string) error {
	query := url.Values{}
	query.Set("text", text)
	query.Set("encoding", "utf-8")
	query.Set("model_id", strconv.Itoa(modelID))
	query.Set("sdp_ratio", formatFloat(c.cfg.SDPRatio))
	query.Set("noise", formatFloat(c.cfg.Noise))
	query.Set("noisew", formatFloat(c.cfg.NoiseW))
	query.Set("length", formatFloat(c.cfg.LengthScale))
	query.Set("language", c.cfg.Language)
	query.Set("auto_split", strconv.FormatBool(c.cfg.AutoSplit))
	query.Set("split_interval", formatFloat(c.cfg.SplitInterval))
	query.Set("assist_text_weight", formatFloat(c.cfg.AssistTextWeight))
	query.Set("style", c.cfg.Style)
	query.Set("style_weight", formatFloat(c.cfg.StyleWeight))

	reqURL := c.baseURL + "/voice?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build voice request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("voice request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("voice request returned status %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("flush %s: %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", destPath, err)
	}
	return nil
}

// Healthy probes the service documentation endpoint. Any HTTP response
// counts as reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/docs", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("health probe failed", slog.String("error", err.Error()))
		return false
	}
	resp.Body.Close()
	return true
}

// Model is one entry of the service's model listing.
type Model struct {
	ID   string
	Name string
}

type modelInfo struct {
	ID2Spk map[string]string `json:"id2spk"`
}

// Models fetches the /models/info mapping and flattens it to an ordered
// selection list for the frontend.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/info", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models request returned status %s", resp.Status)
	}

	var payload map[string]modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	models := make([]Model, 0, len(payload))
	for id, info := range payload {
		name := id
		if len(info.ID2Spk) > 0 {
			keys := make([]string, 0, len(info.ID2Spk))
			for k := range info.ID2Spk {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			name = info.ID2Spk[keys[0]]
		}
		models = append(models, Model{ID: id, Name: name})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
