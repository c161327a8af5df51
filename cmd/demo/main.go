// Command demo serves a sentence embedder and a ranker through the okik
// command line.
package main

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"

	"github.com/okikorg/okik/pkg/okik"
	"github.com/okikorg/okik/pkg/service"
)

const dimensions = 8

var (
	_ = service.Define[Embedder](service.Replicas(2), service.Accelerator("cuda", "A40", 1))
	_ = service.API[Embedder]("Version", service.HTTPMethod(http.MethodGet))
	_ = service.API[Embedder]("Embed")

	_ = service.Define[Ranker](service.Factory(func() (any, error) { return &Ranker{embedder: &Embedder{}}, nil }))
	_ = service.API[Ranker]("Rank")
)

// Embedder hashes words into a fixed size vector.
type Embedder struct{}

type EmbedRequest struct {
	Sentence string `json:"sentence"`
}

func (*Embedder) Version() string { return "demo-1" }

func (*Embedder) Embed(ctx context.Context, req EmbedRequest) ([]float64, error) {
	if strings.TrimSpace(req.Sentence) == "" {
		return nil, errors.New("sentence is empty")
	}
	vec := make([]float64, dimensions)
	for _, word := range strings.Fields(strings.ToLower(req.Sentence)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%dimensions]++
	}
	return vec, nil
}

// Ranker orders candidates by similarity to a query.
type Ranker struct {
	embedder *Embedder
}

type RankRequest struct {
	Query      string   `json:"query"`
	Candidates []string `json:"candidates"`
	Limit      *int     `json:"limit"`
}

type Ranked struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func (r *Ranker) Rank(ctx context.Context, req RankRequest) ([]Ranked, error) {
	q, err := r.embedder.Embed(ctx, EmbedRequest{Sentence: req.Query})
	if err != nil {
		return nil, err
	}
	out := make([]Ranked, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		v, err := r.embedder.Embed(ctx, EmbedRequest{Sentence: c})
		if err != nil {
			continue
		}
		var dot float64
		for i := range q {
			dot += q[i] * v[i]
		}
		out = append(out, Ranked{Text: c, Score: dot})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if req.Limit != nil && *req.Limit >= 0 && *req.Limit < len(out) {
		out = out[:*req.Limit]
	}
	return out, nil
}

func main() { okik.Main() }
