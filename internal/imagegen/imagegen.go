// Package imagegen generates 3D-ready reference images through the
// HuggingFace inference API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrMissingToken is returned when no HuggingFace token is configured.
var ErrMissingToken = errors.New("HUGGINGFACE_API_TOKEN not configured")

// Config configures a Client.
type Config struct {
	Token     string
	URL       string
	RefineURL string
	// Strength is the image-to-image denoising strength: 0 keeps the input,
	// 1 replaces it.
	Strength  float64
	OutputDir string
}

// Client calls text-to-image and image-to-image endpoints and stores the
// returned PNGs under OutputDir.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a Client. The token is checked per call so the worker can
// start without one and report the problem as a task result.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Strength <= 0 || cfg.Strength > 1 {
		cfg.Strength = 0.75
	}
	if cfg.RefineURL == "" {
		cfg.RefineURL = cfg.URL
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// BuildPrompt expands an object description into a prompt tuned for single
// object 3D reconstruction.
func BuildPrompt(object string) string {
	return "Generate a high-resolution, photorealistic image of a single " + object + ". " +
		"Place the object perfectly centered on a pure white seamless background. " +
		"Show the entire object fully in frame with no cropping. " +
		"Use a neutral forward-facing 3/4 view. " +
		"Lighting must be soft, even, and shadow-free. " +
		"Do not include any text, reflections, props, shapes, patterns, accessories, or background elements. " +
		"Keep edges crisp and clean. " +
		"The object must be isolated and ideal for 3D reconstruction. " +
		"Only a single object should be present in the image. " +
		"Must show the full object from top to bottom without any cropping."
}

// HTTPError is a non-200 reply from the inference API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("huggingface returned status %d: %s", e.StatusCode, e.Body)
}

// Generate creates an image from text and returns its path.
func (c *Client) Generate(ctx context.Context, object string) (string, error) {
	if c.cfg.Token == "" {
		return "", ErrMissingToken
	}
	payload := map[string]any{"inputs": BuildPrompt(object)}
	c.logger.Info("generating image", "object", object)
	return c.request(ctx, c.cfg.URL, payload)
}

// Refine produces a variation of the image at basePath. When the endpoint
// does not support image-to-image (404 or 410) it falls back to Generate.
func (c *Client) Refine(ctx context.Context, basePath, object string) (string, error) {
	if c.cfg.Token == "" {
		return "", ErrMissingToken
	}
	img, err := os.ReadFile(basePath)
	if err != nil {
		return "", fmt.Errorf("read base image: %w", err)
	}

	payload := map[string]any{
		"inputs": base64.StdEncoding.EncodeToString(img),
		"parameters": map[string]any{
			"prompt":   BuildPrompt(object),
			"strength": c.cfg.Strength,
		},
	}
	c.logger.Info("refining image", "base", basePath, "object", object)
	path, err := c.request(ctx, c.cfg.RefineURL, payload)

	var herr *HTTPError
	if errors.As(err, &herr) && (herr.StatusCode == http.StatusNotFound || herr.StatusCode == http.StatusGone) {
		c.logger.Warn("image-to-image unavailable, falling back to text-to-image", "status", herr.StatusCode)
		return c.Generate(ctx, object)
	}
	return path, err
}

func (c *Client) request(ctx context.Context, url string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return c.save(resp.Body)
}

func (c *Client) save(r io.Reader) (string, error) {
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(c.cfg.OutputDir, uuid.NewString()+".png"))
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	c.logger.Info("image saved", "path", path)
	return path, nil
}
