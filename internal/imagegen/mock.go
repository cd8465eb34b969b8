package imagegen

import (
	"context"
	"encoding/base64"
	"time"
)

// 1x1 transparent PNG
const mockPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type mockGenerator struct{}

func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Generate(ctx context.Context, _ Request) (Image, error) {
	select {
	case <-ctx.Done():
		return Image{}, ctx.Err()
	case <-time.After(30 * time.Millisecond):
	}
	data, err := base64.StdEncoding.DecodeString(mockPNG)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, MIMEType: "image/png"}, nil
}
