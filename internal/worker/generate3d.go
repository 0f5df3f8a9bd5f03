package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var errSF3DNoResult = errors.New("sf3d service returned no result")

// ImageGenerator produces reference images. *imagegen.Client satisfies it.
type ImageGenerator interface {
	Generate(ctx context.Context, object string) (string, error)
	Refine(ctx context.Context, basePath, object string) (string, error)
}

// MeshGenerator turns an image into a mesh file. *sf3d.Client satisfies it.
type MeshGenerator interface {
	Generate(ctx context.Context, imagePath string) (string, error)
}

// Artifacts tracks the files a session produced. *memory.Tracker satisfies it.
type Artifacts interface {
	LatestImage() (string, bool)
	RegisterFile(path string, isTemporary bool)
	Publish(src string) (string, error)
}

// Generate3DHandler turns a description or an image path into a GLB model.
type Generate3DHandler struct {
	images    ImageGenerator
	meshes    MeshGenerator
	artifacts Artifacts
	logger    *slog.Logger
}

// NewGenerate3DHandler builds the 3D_Generator handler.
func NewGenerate3DHandler(images ImageGenerator, meshes MeshGenerator, artifacts Artifacts, logger *slog.Logger) *Generate3DHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generate3DHandler{images: images, meshes: meshes, artifacts: artifacts, logger: logger}
}

// Handle implements Handler. A prompt naming an existing file is used as the
// input image. Otherwise the latest session image is refined toward the
// prompt, or a new image is generated when the session has none.
func (h *Generate3DHandler) Handle(ctx context.Context, prompt string) (Result, error) {
	imagePath := strings.TrimSpace(prompt)
	var produced []string

	if !fileExists(imagePath) && !strings.HasPrefix(imagePath, "http") {
		path, err := h.conceptImage(ctx, imagePath)
		if err != nil {
			return Result{}, fmt.Errorf("generating concept image: %w", err)
		}
		h.artifacts.RegisterFile(path, true)
		produced = append(produced, path)
		imagePath = path
	}
	if !fileExists(imagePath) {
		return Result{}, fmt.Errorf("input image not found at %q, provide a valid file path or text description", imagePath)
	}

	h.logger.Info("delegating to sf3d", "image", imagePath)
	meshPath, err := h.meshes.Generate(ctx, imagePath)
	if err != nil {
		return Result{}, fmt.Errorf("executing sf3d generation: %w", err)
	}
	if meshPath == "" {
		return Result{}, errSF3DNoResult
	}
	h.artifacts.RegisterFile(meshPath, true)
	produced = append(produced, meshPath)

	published, err := h.artifacts.Publish(meshPath)
	if err != nil {
		return Result{}, fmt.Errorf("publishing model: %w", err)
	}
	filename := filepath.Base(published)
	h.logger.Info("model available", "path", published)

	text := fmt.Sprintf("**3D Model Generated**\n\nConcept Image used: %s\nModel: [View Model](/models/%s)",
		filepath.Base(imagePath), filename)
	return Result{Text: text, Artifacts: produced}, nil
}

func (h *Generate3DHandler) conceptImage(ctx context.Context, object string) (string, error) {
	if prev, ok := h.artifacts.LatestImage(); ok && fileExists(prev) {
		h.logger.Info("refining previous image", "base", filepath.Base(prev))
		return h.images.Refine(ctx, prev, object)
	}
	h.logger.Info("generating new concept image", "object", object)
	return h.images.Generate(ctx, object)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
