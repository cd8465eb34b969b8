package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type geminiGenerator struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewGeminiGenerator calls the generateContent method of a Gemini image model
// and returns the first inline image part of the answer.
func NewGeminiGenerator(endpoint, model, apiKey string) Generator {
	return &geminiGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
		client:   http.DefaultClient,
	}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

var errNoImagePart = errors.New("gemini response carried no image data")

func (g *geminiGenerator) Generate(ctx context.Context, req Request) (Image, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: Prompt(req)}}}},
	})
	if err != nil {
		return Image{}, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.endpoint, g.model, url.QueryEscape(g.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Image{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Image{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	var decoded geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Image{}, fmt.Errorf("decode gemini response: %w", err)
	}
	for _, candidate := range decoded.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Image{}, fmt.Errorf("decode inline image: %w", err)
			}
			return Image{Data: data, MIMEType: part.InlineData.MIMEType}, nil
		}
	}
	return Image{}, errNoImagePart
}
