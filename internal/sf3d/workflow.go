package sf3d

// Workflow node IDs.
const (
	nodeLoadImage = "1"
	nodeInvert    = "6"
	nodeLoader    = "7"
	nodeSampler   = "8"
	nodeSave      = "9"
)

// Node is one entry of a ComfyUI API-format workflow.
type Node struct {
	Inputs    map[string]any    `json:"inputs"`
	ClassType string            `json:"class_type"`
	Meta      map[string]string `json:"_meta,omitempty"`
}

// Workflow maps node IDs to nodes.
type Workflow map[string]Node

// SamplerOptions tune the Stable Fast 3D sampler node.
type SamplerOptions struct {
	ForegroundRatio   float64
	TextureResolution int
	Remesh            string
	VertexCount       int
}

// DefaultSamplerOptions are tuned for single centered objects.
func DefaultSamplerOptions() SamplerOptions {
	return SamplerOptions{
		ForegroundRatio:   0.85,
		TextureResolution: 1024,
		Remesh:            "triangle",
		VertexCount:       -1,
	}
}

// BuildWorkflow wires image -> inverted alpha mask -> SF3D sampler -> GLB save
// for an image already uploaded to ComfyUI.
func BuildWorkflow(imageName string, opts SamplerOptions) Workflow {
	return Workflow{
		nodeLoadImage: {
			ClassType: "LoadImage",
			Inputs:    map[string]any{"image": imageName, "upload": "image"},
			Meta:      map[string]string{"title": "Load Image"},
		},
		nodeInvert: {
			ClassType: "InvertMask",
			Inputs:    map[string]any{"mask": []any{nodeLoadImage, 1}},
			Meta:      map[string]string{"title": "Invert Mask"},
		},
		nodeLoader: {
			ClassType: "StableFast3DLoader",
			Inputs:    map[string]any{"config_name": "config.yaml", "weight_name": "model.safetensors"},
			Meta:      map[string]string{"title": "Stable Fast 3D Loader"},
		},
		nodeSampler: {
			ClassType: "StableFast3DSampler",
			Inputs: map[string]any{
				"foreground_ratio":   opts.ForegroundRatio,
				"texture_resolution": opts.TextureResolution,
				"remesh":             opts.Remesh,
				"vertex_count":       opts.VertexCount,
				"model":              []any{nodeLoader, 0},
				"image":              []any{nodeLoadImage, 0},
				"mask":               []any{nodeInvert, 0},
			},
			Meta: map[string]string{"title": "Stable Fast 3D Sampler"},
		},
		nodeSave: {
			ClassType: "StableFast3DSave",
			Inputs:    map[string]any{"filename_prefix": "SF3D_API", "mesh": []any{nodeSampler, 0}},
			Meta:      map[string]string{"title": "Stable Fast 3D Save"},
		},
	}
}
