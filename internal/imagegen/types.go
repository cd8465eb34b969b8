// Package imagegen produces persona background images.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-chat/internal/config"
)

// ErrDisabled is returned by the generator used when image generation is
// turned off.
var ErrDisabled = errors.New("image generation disabled")

// Request asks for an image of description shaped for the target aspect
// ratio (width / height).
type Request struct {
	SessionID   string
	Description string
	AspectRatio float64
	MaxEdge     int
}

// Image is the generated picture.
type Image struct {
	Data     []byte
	MIMEType string
}

// Generator is the contract for image backends.
type Generator interface {
	Generate(ctx context.Context, req Request) (Image, error)
}

// StatusError reports a non-success response from an image endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Dimensions fits the aspect ratio inside a square of maxEdge pixels.
func Dimensions(aspectRatio float64, maxEdge int) (width, height int) {
	if aspectRatio <= 0 || math.IsNaN(aspectRatio) || math.IsInf(aspectRatio, 0) {
		aspectRatio = 1
	}
	if aspectRatio > 1 {
		return maxEdge, int(math.Round(float64(maxEdge) / aspectRatio))
	}
	return int(math.Round(float64(maxEdge) * aspectRatio)), maxEdge
}

// Prompt renders the art-direction prompt sent to text-to-image backends.
func Prompt(req Request) string {
	maxEdge := req.MaxEdge
	if maxEdge <= 0 {
		maxEdge = 1024
	}
	width, height := Dimensions(req.AspectRatio, maxEdge)
	ratio := float64(width) / float64(height)

	var b strings.Builder
	b.WriteString("Create a high-quality, cute and friendly character image that represents the following character description.\n")
	b.WriteString("The character should be adorable, approachable, and suitable for a chat application background.\n\n")
	fmt.Fprintf(&b, "Character Description: %s\n\n", req.Description)
	b.WriteString("Requirements:\n")
	b.WriteString("- Cute, friendly, and approachable character design\n")
	b.WriteString("- Soft, warm colors and gentle lighting\n")
	b.WriteString("- Character should be full body or upper body visible\n")
	b.WriteString("- Background should be simple and not distracting\n")
	b.WriteString("- Anime or cartoon style preferred\n")
	b.WriteString("- High-quality, detailed image\n")
	b.WriteString("- Suitable for mobile chat background\n")
	fmt.Fprintf(&b, "- Image dimensions: %dx%d pixels\n", width, height)
	fmt.Fprintf(&b, "- Image aspect ratio: %.2f (%d:%d)\n", ratio, width, height)
	b.WriteString("- Full viewport coverage without cropping\n")
	fmt.Fprintf(&b, "- Ensure the image maintains the exact %.2f aspect ratio\n", ratio)
	b.WriteString("- Character should look like they're ready to chat and be friendly")
	return b.String()
}

// New selects a backend for the configured mode.
func New(cfg config.ImageConfig) (Generator, error) {
	switch cfg.Mode {
	case "disabled", "":
		return disabledGenerator{}, nil
	case "mock":
		return NewMockGenerator(), nil
	case "gemini":
		return NewGeminiGenerator(cfg.Endpoint, cfg.Model, cfg.APIKey), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported image mode %q", cfg.Mode)
	}
}

type disabledGenerator struct{}

func (disabledGenerator) Generate(context.Context, Request) (Image, error) {
	return Image{}, ErrDisabled
}
