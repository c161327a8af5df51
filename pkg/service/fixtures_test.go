package service

import (
	"context"
	"errors"
	"strings"
)

type Embedder struct {
	prefix string
	setups int
}

type EmbedRequest struct {
	Sentence  string   `json:"sentence"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Scale     *float64 `json:"scale"`
	Tags      []string `okik:"optional"`
	Internal  string   `json:"-"`
}

func (e *Embedder) Setup(context.Context) error {
	e.setups++
	return nil
}

func (e *Embedder) Version() string { return "1.0" }

func (e *Embedder) Embed(_ context.Context, req EmbedRequest) ([]float64, error) {
	if req.Sentence == "" {
		return nil, errors.New("empty sentence")
	}
	scale := 1.0
	if req.Scale != nil {
		scale = *req.Scale
	}
	return []float64{float64(len(req.Sentence)) * scale}, nil
}

func (e *Embedder) Upper(req *EmbedRequest) string {
	return e.prefix + strings.ToUpper(req.Sentence)
}

func (e *Embedder) Fail() error { return errors.New("model not loaded") }

func (e *Embedder) TooMany(string, int) string { return "" }

func (e *Embedder) NotAStruct(ctx context.Context, n int) int { return n }

type Classifier struct{}

func (Classifier) Classify() (map[string]int, error) { return map[string]int{"ok": 1}, nil }

type Orphan struct{}

func (*Orphan) Lonely() string { return "nobody serves me" }
