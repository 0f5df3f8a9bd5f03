package domain

import (
	"path/filepath"
	"strings"
)

// Artifact is a generated file tracked for the current session.
type Artifact struct {
	Path        string `json:"path"`
	IsTemporary bool   `json:"is_temporary"`
}

// Name returns the artifact's base file name.
func (a Artifact) Name() string {
	return filepath.Base(a.Path)
}

// IsImage reports whether the artifact looks like a raster image.
func (a Artifact) IsImage() bool {
	switch strings.ToLower(filepath.Ext(a.Path)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}
