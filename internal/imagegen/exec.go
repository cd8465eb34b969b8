package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	Description string  `json:"description"`
	AspectRatio float64 `json:"aspect_ratio"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

type execResponse struct {
	MIMEType    string `json:"mime_type"`
	ImageBase64 string `json:"image_base64"`
}

// NewExecGenerator runs command per request with a JSON request on stdin and
// expects a JSON object holding the base64 image on stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse image command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("image command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Image, error) {
	maxEdge := req.MaxEdge
	if maxEdge <= 0 {
		maxEdge = 1024
	}
	width, height := Dimensions(req.AspectRatio, maxEdge)
	input, err := json.Marshal(execRequest{
		Prompt:      Prompt(req),
		Description: req.Description,
		AspectRatio: req.AspectRatio,
		Width:       width,
		Height:      height,
	})
	if err != nil {
		return Image{}, err
	}

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return Image{}, fmt.Errorf("image exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return Image{}, fmt.Errorf("decode image exec response: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	if err != nil {
		return Image{}, fmt.Errorf("decode image payload: %w", err)
	}
	if len(data) == 0 {
		return Image{}, fmt.Errorf("image exec command returned no data")
	}
	mimeType := resp.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return Image{Data: data, MIMEType: mimeType}, nil
}
