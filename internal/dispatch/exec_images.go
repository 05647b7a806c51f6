package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

const (
	defaultImageModel = "imagen-3.0-generate-002"
	maxImagesPerCall  = 4
)

// imagesExecutor runs generate_images through the Imagen API and saves
// the results as PNG files under the configured directory.
type imagesExecutor struct {
	cfg config.ImagesConfig
}

func (e *imagesExecutor) Execute(ctx context.Context, scope agent.Scope, act action.Action) Outcome {
	if e.cfg.APIKey == "" {
		return failure(act, fault.New(fault.ServiceUnavailable, "generate_images: no API key configured"))
	}
	prompt := pstr(act.Params, "prompt")
	count := pint(act.Params, "count", 1)
	if count < 1 {
		count = 1
	}
	if count > maxImagesPerCall {
		count = maxImagesPerCall
	}
	model := e.cfg.Model
	if model == "" {
		model = defaultImageModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  e.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return failure(act, fault.Wrap(fault.ConnectionFailed, err, "generate_images: client"))
	}

	resp, err := client.Models.GenerateImages(ctx, model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: int32(count),
	})
	if err != nil {
		return failure(act, transportFault(err, "generate_images", model))
	}
	if len(resp.GeneratedImages) == 0 {
		return failure(act, fault.New(fault.InvalidResponseFormat, "generate_images: model returned no images"))
	}

	dir := e.cfg.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "quorum-images")
	}
	dir = filepath.Join(dir, scope.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure(act, fault.Wrap(fault.ActionCrashed, err, "generate_images: create %s", dir))
	}

	var paths []string
	for i, img := range resp.GeneratedImages {
		if img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", strings.TrimPrefix(act.ID, "act_"), i+1))
		if err := os.WriteFile(path, img.Image.ImageBytes, 0o644); err != nil {
			return failure(act, fault.Wrap(fault.ActionCrashed, err, "generate_images: save %s", path))
		}
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return failure(act, fault.New(fault.InvalidResponseFormat, "generate_images: response carried no image data"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "generated %d image(s) for %q:\n", len(paths), prompt)
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return successData(act, strings.TrimRight(b.String(), "\n"), map[string]any{"paths": paths})
}
