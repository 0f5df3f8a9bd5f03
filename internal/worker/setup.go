package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ashureev/miles/internal/brain"
	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/domain"
	"github.com/ashureev/miles/internal/imagegen"
	"github.com/ashureev/miles/internal/search"
	"github.com/ashureev/miles/internal/sf3d"
)

// Toolkit is the set of handlers built from configuration, plus the SF3D
// container launcher when one is configured.
type Toolkit struct {
	Handlers map[string]Handler
	Launcher *sf3d.Launcher
}

// Close releases the docker client held by the launcher.
func (t *Toolkit) Close() error {
	if t.Launcher == nil {
		return nil
	}
	return t.Launcher.Close()
}

// NewToolkit wires the RAG_Search and 3D_Generator handlers. Missing API keys
// degrade the corresponding handler instead of failing startup.
func NewToolkit(cfg *config.Config, artifacts Artifacts, logger *slog.Logger) (*Toolkit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: 2 * time.Minute}

	var searcher Searcher
	tavily, err := search.NewClient(cfg.Research.TavilyURL, cfg.Research.TavilyAPIKey, cfg.Research.MaxResults, httpClient)
	switch {
	case errors.Is(err, search.ErrMissingAPIKey):
		logger.Warn("TAVILY_API_KEY not set, research tasks will report the missing key")
	case err != nil:
		return nil, err
	default:
		searcher = tavily
	}

	var llm Generator
	guard, err := brain.NewGeminiGuard(cfg.Gemini, nil, logger)
	switch {
	case errors.Is(err, brain.ErrNoCredentials):
		logger.Warn("no Gemini keys, research results will not be synthesized")
	case err != nil:
		return nil, err
	default:
		llm = guard
	}

	images := imagegen.NewClient(imagegen.Config{
		Token:     cfg.ImageGen.APIToken,
		URL:       cfg.ImageGen.URL,
		RefineURL: cfg.ImageGen.RefineURL,
		Strength:  cfg.ImageGen.RefineRate,
		OutputDir: filepath.Join(cfg.Memory.TmpDir, "images"),
	}, httpClient, logger)

	meshClient := sf3d.NewClient(sf3d.Config{
		BaseURL:     cfg.SF3D.URL,
		OutputDir:   cfg.SF3D.OutputDir,
		DownloadDir: filepath.Join(cfg.Memory.TmpDir, "meshes"),
		Sampler:     sf3d.DefaultSamplerOptions(),
	}, nil, logger)

	tk := &Toolkit{}
	var meshes MeshGenerator = meshClient
	if cfg.SF3D.DockerImage != "" {
		launcher, err := sf3d.NewLauncher(sf3d.LauncherConfig{
			Image:     cfg.SF3D.DockerImage,
			Name:      cfg.SF3D.Container,
			GPU:       cfg.SF3D.GPU,
			StartWait: cfg.SF3D.StartWait,
		}, meshClient, logger)
		if err != nil {
			return nil, err
		}
		tk.Launcher = launcher
		meshes = launchingMeshes{launcher: launcher, next: meshClient}
	}

	tk.Handlers = map[string]Handler{
		domain.WorkerRAGSearch:   NewResearchHandler(llm, searcher, logger),
		domain.Worker3DGenerator: NewGenerate3DHandler(images, meshes, artifacts, logger),
	}
	return tk, nil
}

// launchingMeshes starts the SF3D container on demand before each run.
type launchingMeshes struct {
	launcher interface {
		EnsureRunning(ctx context.Context) error
	}
	next MeshGenerator
}

func (m launchingMeshes) Generate(ctx context.Context, imagePath string) (string, error) {
	if err := m.launcher.EnsureRunning(ctx); err != nil {
		return "", err
	}
	return m.next.Generate(ctx, imagePath)
}
