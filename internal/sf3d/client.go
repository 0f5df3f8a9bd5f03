// Package sf3d drives a ComfyUI server running the Stable Fast 3D nodes to
// turn a reference image into a GLB mesh.
package sf3d

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable is returned when the ComfyUI server does not answer.
	ErrUnavailable = errors.New("sf3d backend unavailable")
	// ErrNoOutput is returned when a finished prompt produced no mesh.
	ErrNoOutput = errors.New("sf3d produced no mesh")
)

const wsReadLimit = 16 << 20

// Config configures a Client.
type Config struct {
	BaseURL string
	// OutputDir is ComfyUI's output directory when it is reachable from this
	// process. It is only used as a fallback for locating meshes.
	OutputDir string
	// DownloadDir receives meshes fetched over HTTP.
	DownloadDir string
	Sampler     SamplerOptions
}

// Client talks to ComfyUI over HTTP and its WebSocket event stream.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a ComfyUI client.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Sampler == (SamplerOptions{}) {
		cfg.Sampler = DefaultSamplerOptions()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// Healthy reports whether GET / answers 200 within one second.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// UploadImage sends the file as multipart form data and returns the name
// ComfyUI stored it under.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload/image", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Name string `json:"name"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if out.Name == "" {
		return "", fmt.Errorf("upload image: empty name in response")
	}
	return out.Name, nil
}

// QueuePrompt submits a workflow and returns the prompt ID.
func (c *Client) QueuePrompt(ctx context.Context, wf Workflow, clientID string) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": wf, "client_id": clientID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	return out.PromptID, nil
}

// OutputFile is a file reference from the history API.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Outputs returns every .glb file reported for promptID.
func (c *Client) Outputs(ctx context.Context, promptID string) ([]OutputFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	var history map[string]struct {
		Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	}
	if err := c.do(req, &history); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var files []OutputFile
	for _, node := range history[promptID].Outputs {
		for _, raw := range node {
			var list []OutputFile
			if json.Unmarshal(raw, &list) != nil {
				continue
			}
			for _, f := range list {
				if strings.EqualFold(filepath.Ext(f.Filename), ".glb") {
					files = append(files, f)
				}
			}
		}
	}
	return files, nil
}

// Download fetches an output file through /view into DownloadDir.
func (c *Client) Download(ctx context.Context, f OutputFile) (string, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download mesh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download mesh: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dst := filepath.Join(c.cfg.DownloadDir, filepath.Base(f.Filename))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("write mesh: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return filepath.Abs(dst)
}

// Generate runs the whole pipeline for imagePath and returns the local path
// of the produced mesh.
func (c *Client) Generate(ctx context.Context, imagePath string) (string, error) {
	if !c.Healthy(ctx) {
		return "", ErrUnavailable
	}

	name, err := c.UploadImage(ctx, imagePath)
	if err != nil {
		return "", err
	}
	c.logger.Info("image uploaded to sf3d", "name", name)

	clientID := uuid.NewString()
	conn, _, err := websocket.Dial(ctx, c.wsURL(clientID), nil)
	if err != nil {
		return "", fmt.Errorf("connect sf3d events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(wsReadLimit)

	promptID, err := c.QueuePrompt(ctx, BuildWorkflow(name, c.cfg.Sampler), clientID)
	if err != nil {
		return "", err
	}
	c.logger.Info("sf3d prompt queued", "prompt_id", promptID)

	if err := waitForCompletion(ctx, conn, promptID); err != nil {
		return "", err
	}
	c.logger.Info("sf3d execution complete", "prompt_id", promptID)

	files, err := c.Outputs(ctx, promptID)
	if err != nil {
		c.logger.Warn("history lookup failed, scanning output dir", "error", err)
	}
	if len(files) > 0 {
		return c.Download(ctx, files[len(files)-1])
	}
	if path, ok := newestGLB(c.cfg.OutputDir); ok {
		return path, nil
	}
	return "", ErrNoOutput
}

func (c *Client) wsURL(clientID string) string {
	u := c.cfg.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?clientId=" + url.QueryEscape(clientID)
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Node      *string `json:"node"`
		PromptID  string  `json:"prompt_id"`
		Exception string  `json:"exception_message"`
	} `json:"data"`
}

// waitForCompletion reads events until an "executing" message with a null
// node for promptID arrives. Binary preview frames are ignored.
func waitForCompletion(ctx context.Context, conn *websocket.Conn, promptID string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read sf3d events: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg wsMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Data.PromptID != promptID {
			continue
		}
		switch msg.Type {
		case "executing":
			if msg.Data.Node == nil {
				return nil
			}
		case "execution_error":
			return fmt.Errorf("sf3d execution failed: %s", msg.Data.Exception)
		}
	}
}

func newestGLB(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var (
		newest  string
		newestT time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".glb") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestT) {
			newest, newestT = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return newest, newest != ""
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
