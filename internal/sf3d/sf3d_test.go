package sf3d

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var glbBytes = []byte("glTF\x02\x00\x00\x00mesh")

func TestBuildWorkflow(t *testing.T) {
	wf := BuildWorkflow("input.png", DefaultSamplerOptions())
	require.Len(t, wf, 5)
	assert.Equal(t, "input.png", wf[nodeLoadImage].Inputs["image"])
	assert.Equal(t, "InvertMask", wf[nodeInvert].ClassType)
	assert.Equal(t, []any{nodeInvert, 0}, wf[nodeSampler].Inputs["mask"])
	assert.Equal(t, "SF3D_API", wf[nodeSave].Inputs["filename_prefix"])

	b, err := json.Marshal(wf)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"class_type":"StableFast3DSampler"`)
}

// fakeComfy serves the subset of the ComfyUI API used by Client.
func fakeComfy(t *testing.T, withHistory bool) *httptest.Server {
	t.Helper()
	queued := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /upload/image", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Close()
		assert.Equal(t, "input", r.FormValue("type"))
		_ = json.NewEncoder(w).Encode(map[string]string{"name": hdr.Filename})
	})
	mux.HandleFunc("POST /prompt", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt   Workflow `json:"prompt"`
			ClientID string   `json:"client_id"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body.ClientID)
		assert.Equal(t, "ref.png", body.Prompt[nodeLoadImage].Inputs["image"])
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
		close(queued)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("clientId"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		select {
		case <-queued:
		case <-ctx.Done():
			return
		}
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"other"}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"executing","data":{"node":"8","prompt_id":"p1"}}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`))
		_, _, _ = conn.Read(ctx)
	})
	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !withHistory {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		assert.Equal(t, "p1", r.PathValue("id"))
		_, _ = w.Write([]byte(`{"p1":{"outputs":{"9":{"glbs":[{"filename":"SF3D_API_00001_.glb","subfolder":"","type":"output"}],"text":["ignored"]}}}}`))
	})
	mux.HandleFunc("GET /view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SF3D_API_00001_.glb", r.URL.Query().Get("filename"))
		_, _ = w.Write(glbBytes)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG"), 0o644))
	return path
}

func TestGenerate_DownloadsFromHistory(t *testing.T) {
	srv := fakeComfy(t, true)
	dl := t.TempDir()
	c := NewClient(Config{BaseURL: srv.URL, DownloadDir: dl}, srv.Client(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := c.Generate(ctx, writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dl, "SF3D_API_00001_.glb"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, glbBytes, data)
}

func TestGenerate_FallsBackToOutputDir(t *testing.T) {
	srv := fakeComfy(t, false)
	out := t.TempDir()
	old := filepath.Join(out, "old.glb")
	newest := filepath.Join(out, "new.glb")
	require.NoError(t, os.WriteFile(old, glbBytes, 0o644))
	require.NoError(t, os.WriteFile(newest, glbBytes, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	c := NewClient(Config{BaseURL: srv.URL, OutputDir: out, DownloadDir: t.TempDir()}, srv.Client(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := c.Generate(ctx, writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, newest, path)
}

func TestGenerate_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, srv.Client(), nil)
	_, err := c.Generate(context.Background(), writeImage(t))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWSURL(t *testing.T) {
	c := NewClient(Config{BaseURL: "https://gpu.local:8188/"}, nil, nil)
	assert.Equal(t, "wss://gpu.local:8188/ws?clientId=abc", c.wsURL("abc"))
}

type fakeDocker struct {
	running  bool
	exists   bool
	created  atomic.Int32
	started  atomic.Int32
	removed  atomic.Int32
	hostCfg  *container.HostConfig
	startErr error
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if !f.exists {
		return container.InspectResponse{}, errdefs.ErrNotFound
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		ID:    "c1",
		State: &container.State{Running: f.running},
	}}, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, _ *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.created.Add(1)
	f.hostCfg = hc
	f.exists = true
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	f.started.Add(1)
	return f.startErr
}

func (f *fakeDocker) ContainerStop(context.Context, string, container.StopOptions) error {
	if !f.exists {
		return errdefs.ErrNotFound
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.removed.Add(1)
	return nil
}

func (f *fakeDocker) Close() error { return nil }

type flipHealth struct {
	calls     atomic.Int32
	healthyAt int32
}

func (h *flipHealth) Healthy(context.Context) bool {
	return h.calls.Add(1) >= h.healthyAt
}

func newTestLauncher(cli dockerAPI, cfg LauncherConfig, h HealthChecker) *Launcher {
	l := newLauncher(cli, cfg, h, nil)
	l.poll = time.Millisecond
	return l
}

func TestEnsureRunning_AlreadyHealthy(t *testing.T) {
	d := &fakeDocker{}
	l := newTestLauncher(d, LauncherConfig{Image: "sf3d:latest", Name: "miles-sf3d"}, &flipHealth{healthyAt: 1})
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.Zero(t, d.created.Load())
}

func TestEnsureRunning_CreatesMissingContainer(t *testing.T) {
	d := &fakeDocker{}
	l := newTestLauncher(d, LauncherConfig{Image: "sf3d:latest", Name: "miles-sf3d", GPU: true}, &flipHealth{healthyAt: 3})
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.Equal(t, int32(1), d.created.Load())
	assert.Equal(t, int32(1), d.started.Load())
	require.NotNil(t, d.hostCfg)
	assert.Equal(t, container.NetworkMode("host"), d.hostCfg.NetworkMode)
	assert.Len(t, d.hostCfg.DeviceRequests, 1)
}

func TestEnsureRunning_RestartsStoppedContainer(t *testing.T) {
	d := &fakeDocker{exists: true}
	l := newTestLauncher(d, LauncherConfig{Image: "sf3d:latest", Name: "miles-sf3d"}, &flipHealth{healthyAt: 2})
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.Zero(t, d.created.Load())
	assert.Equal(t, int32(1), d.started.Load())
}

func TestEnsureRunning_NoImage(t *testing.T) {
	d := &fakeDocker{}
	l := newTestLauncher(d, LauncherConfig{Name: "miles-sf3d"}, &flipHealth{healthyAt: 100})
	err := l.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnsureRunning_StartFailureRemovesContainer(t *testing.T) {
	d := &fakeDocker{startErr: errors.New("no gpu")}
	l := newTestLauncher(d, LauncherConfig{Image: "sf3d:latest", Name: "miles-sf3d"}, &flipHealth{healthyAt: 100})
	err := l.EnsureRunning(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), d.removed.Load())
}

func TestEnsureRunning_TimesOut(t *testing.T) {
	d := &fakeDocker{exists: true, running: true}
	l := newTestLauncher(d, LauncherConfig{Name: "miles-sf3d", StartWait: 20 * time.Millisecond}, &flipHealth{healthyAt: 1 << 30})
	err := l.EnsureRunning(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStop_MissingContainer(t *testing.T) {
	d := &fakeDocker{}
	l := newTestLauncher(d, LauncherConfig{Name: "miles-sf3d"}, &flipHealth{})
	assert.NoError(t, l.Stop(context.Background()))
}
