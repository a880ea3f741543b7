package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentorchestrator/internal/backend"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

type call struct {
	stage models.Stage
	model string
	parts []genai.Part
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []call
	reply func(c call) (*genai.GenerateContentResponse, error)
}

func (f *fakeGenerator) Generate(_ context.Context, stage models.Stage, model string, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	c := call{stage: stage, model: model, parts: parts}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	return f.reply(c)
}

func textResponse(text string, tokens int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
		UsageMetadata: &genai.UsageMetadata{TotalTokenCount: tokens},
	}
}

func fileURI(c call) string {
	for _, p := range c.parts {
		if fd, ok := p.(genai.FileData); ok {
			return fd.FileURI
		}
	}
	return ""
}

var vertexBackend = models.Backend{ID: "gemini", Engine: EngineVertex, Model: "gemini-1.5-flash", UnitCost: 0.5}

func TestVertexInvoker_TranscribeKeepsPageOrder(t *testing.T) {
	gen := &fakeGenerator{reply: func(c call) (*genai.GenerateContentResponse, error) {
		uri := fileURI(c)
		return textResponse("```markdown\n# "+uri[strings.LastIndex(uri, "/")+1:]+"\n```", 1000), nil
	}}
	inv := NewVertexInvoker(gen, nil)

	res, err := inv.Invoke(context.Background(), backend.Input{
		DocumentID: "doc-1",
		Stage:      models.StageOCR,
		Pages:      []string{"gs://pages/doc-1/00001.pdf", "gs://pages/doc-1/00002.pdf", "gs://pages/doc-1/00003.pdf"},
	}, vertexBackend)
	require.NoError(t, err)

	assert.Equal(t, "# 00001.pdf\n\n---\n\n# 00002.pdf\n\n---\n\n# 00003.pdf", string(res.Output))
	assert.Equal(t, "text/markdown", res.MimeType)
	assert.Equal(t, 3, res.PagesProcessed)
	assert.InDelta(t, 1.5, res.CostUnits, 1e-9)
	require.Len(t, gen.calls, 3)
	assert.Equal(t, "gemini-1.5-flash", gen.calls[0].model)
}

func TestVertexInvoker_RefusalIsPermanent(t *testing.T) {
	gen := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return textResponse("As a large language model, I cannot do that.", 10), nil
	}}
	_, err := NewVertexInvoker(gen, nil).Invoke(context.Background(), backend.Input{
		Stage: models.StageOCR,
		Pages: []string{"gs://pages/doc/00001.pdf"},
	}, vertexBackend)
	assert.Equal(t, models.OutcomePermanent, backend.Classify(context.Background(), err))
	assert.ErrorContains(t, err, "refusal")
}

func TestVertexInvoker_NoPages(t *testing.T) {
	_, err := NewVertexInvoker(&fakeGenerator{}, nil).Invoke(context.Background(), backend.Input{Stage: models.StageOCR}, vertexBackend)
	assert.Equal(t, models.OutcomePermanent, backend.Classify(context.Background(), err))
}

func TestVertexInvoker_ThrottledPage(t *testing.T) {
	gen := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return nil, status.Error(codes.ResourceExhausted, "quota")
	}}
	_, err := NewVertexInvoker(gen, nil).Invoke(context.Background(), backend.Input{
		Stage: models.StageOCR,
		Pages: []string{"gs://pages/doc/00001.pdf"},
	}, vertexBackend)
	assert.Equal(t, models.OutcomeThrottled, backend.Classify(context.Background(), err))
}

func TestVertexInvoker_ClassifyCountsSections(t *testing.T) {
	gen := &fakeGenerator{reply: func(c call) (*genai.GenerateContentResponse, error) {
		assert.Equal(t, "gs://results/doc-1/master.md", fileURI(c))
		return textResponse("```json\n[{\"section\":\"1. Intro\",\"kind\":\"body\",\"content\":\"a\"},{\"section\":\"2. Scope\",\"kind\":\"body\",\"content\":\"b\"}]\n```", 0), nil
	}}
	res, err := NewVertexInvoker(gen, nil).Invoke(context.Background(), backend.Input{
		DocumentID: "doc-1",
		Stage:      models.StageClassify,
		Outputs:    map[string]string{"OCR": "gs://results/doc-1/master.md"},
	}, vertexBackend)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SectionsIdentified)
	assert.Equal(t, "application/json", res.MimeType)
	assert.Zero(t, res.CostUnits)
}

func TestVertexInvoker_ClassifyRequiresOCROutput(t *testing.T) {
	_, err := NewVertexInvoker(&fakeGenerator{}, nil).Invoke(context.Background(), backend.Input{
		DocumentID: "doc-1",
		Stage:      models.StageClassify,
	}, vertexBackend)
	assert.Equal(t, models.OutcomePermanent, backend.Classify(context.Background(), err))
	assert.ErrorContains(t, err, "no OCR output")
}

func TestVertexInvoker_ExtractInlinesSections(t *testing.T) {
	gen := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return textResponse(`{"title":"Pump","documentType":"datasheet","identifiers":[],"fields":{"flow":"3 m3/h"}}`, 2000), nil
	}}
	read := func(_ context.Context, uri string) ([]byte, error) {
		assert.Equal(t, "gs://results/doc-1/classify.json", uri)
		return []byte(`[{"section":"1"}]`), nil
	}
	res, err := NewVertexInvoker(gen, read).Invoke(context.Background(), backend.Input{
		DocumentID: "doc-1",
		Stage:      models.StageExtract,
		Outputs: map[string]string{
			"OCR":      "gs://results/doc-1/master.md",
			"CLASSIFY": "gs://results/doc-1/classify.json",
		},
	}, vertexBackend)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.CostUnits, 1e-9)
	require.Len(t, gen.calls, 1)
	last := gen.calls[0].parts[len(gen.calls[0].parts)-1]
	assert.Equal(t, genai.Text("Sections:\n[{\"section\":\"1\"}]"), last)
}

func TestVertexInvoker_ExtractRejectsInvalidJSON(t *testing.T) {
	gen := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return textResponse("not json", 10), nil
	}}
	_, err := NewVertexInvoker(gen, nil).Invoke(context.Background(), backend.Input{
		Stage:   models.StageExtract,
		Outputs: map[string]string{"OCR": "gs://results/doc/master.md"},
	}, vertexBackend)
	assert.Equal(t, models.OutcomePermanent, backend.Classify(context.Background(), err))
}

func TestVertexInvoker_AssessValidatesScore(t *testing.T) {
	read := func(context.Context, string) ([]byte, error) { return []byte(`{"title":"x"}`), nil }
	in := backend.Input{
		Stage: models.StageAssess,
		Outputs: map[string]string{
			"OCR":     "gs://results/doc/master.md",
			"EXTRACT": "gs://results/doc/extract.json",
		},
	}

	ok := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return textResponse(`{"score":0.9,"issues":[],"summary":"fine"}`, 0), nil
	}}
	_, err := NewVertexInvoker(ok, read).Invoke(context.Background(), in, vertexBackend)
	require.NoError(t, err)

	bad := &fakeGenerator{reply: func(call) (*genai.GenerateContentResponse, error) {
		return textResponse(`{"score":7}`, 0), nil
	}}
	_, err = NewVertexInvoker(bad, read).Invoke(context.Background(), in, vertexBackend)
	assert.ErrorContains(t, err, "score")
}

func TestVertexInvoker_ReadFailureIsClassified(t *testing.T) {
	read := func(context.Context, string) ([]byte, error) {
		return nil, &googleapi.Error{Code: 503}
	}
	_, err := NewVertexInvoker(&fakeGenerator{}, read).Invoke(context.Background(), backend.Input{
		Stage: models.StageAssess,
		Outputs: map[string]string{
			"OCR":     "gs://results/doc/master.md",
			"EXTRACT": "gs://results/doc/extract.json",
		},
	}, vertexBackend)
	assert.Equal(t, models.OutcomeTransient, backend.Classify(context.Background(), err))
}

func TestVertexInvoker_UnknownStage(t *testing.T) {
	_, err := NewVertexInvoker(&fakeGenerator{}, nil).Invoke(context.Background(), backend.Input{Stage: models.StageQueued}, vertexBackend)
	assert.Equal(t, models.OutcomePermanent, backend.Classify(context.Background(), err))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.Outcome
	}{
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "quota"), models.OutcomeThrottled},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), models.OutcomeTransient},
		{"grpc aborted", status.Error(codes.Aborted, "retry"), models.OutcomeTransient},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad"), models.OutcomePermanent},
		{"wrapped grpc", fmt.Errorf("page 2: %w", status.Error(codes.Unavailable, "down")), models.OutcomeTransient},
		{"http 429", &googleapi.Error{Code: 429}, models.OutcomeThrottled},
		{"http 502", &googleapi.Error{Code: 502}, models.OutcomeTransient},
		{"http 408", &googleapi.Error{Code: 408}, models.OutcomeTransient},
		{"http 403", &googleapi.Error{Code: 403}, models.OutcomePermanent},
		{"deadline", context.DeadlineExceeded, models.OutcomeTransient},
		{"already typed", backend.Throttled(errors.New("slow down")), models.OutcomeThrottled},
		{"unknown", errors.New("boom"), models.OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backend.Classify(context.Background(), classifyError(tt.err)))
		})
	}
	assert.NoError(t, classifyError(nil))
	assert.ErrorIs(t, classifyError(context.Canceled), context.Canceled)
}

func TestExtractText(t *testing.T) {
	assert.Empty(t, extractText(nil))
	assert.Empty(t, extractText(&genai.GenerateContentResponse{}))

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("```json\n{\"a\":"), genai.Text("1}\n```")}},
		}},
	}
	assert.Equal(t, `{"a":1}`, extractText(resp))
}

func TestHasRefusal(t *testing.T) {
	assert.True(t, hasRefusal("I CANNOT PROVIDE that"))
	assert.False(t, hasRefusal("# Section 1\nPump rated at 3 bar"))
}
