package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentorchestrator/internal/backend"
	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// EngineVertex is the backend engine name served by VertexInvoker.
const EngineVertex = "vertex"

const defaultModel = "gemini-1.5-pro"

// --- OCR Prompts ---
const OCRSystemPrompt = "You are a document parser. Your task is to read one page of a PDF document and transcribe it into markdown. Accuracy, detail, and information preservation are of utmost importance."
const OCRUserPrompt = `You will be provided with a single PDF page.

Transcribe its content into markdown following these rules:

Text: Transcribe all text content directly into markdown text.
Lists: Keep every list as a markdown list with its original structure.
Images: Replace each image with a detailed description of what it shows.
Tables: Produce markdown tables. Normalize merged cells by copying the parent cell's content into each child cell.
Headers and Footers: Drop publisher names, logos, addresses and page numbers that repeat on every page.

Return ONLY the markdown for this page.`

// --- Classify Prompts ---
const ClassifySystemPrompt = "You are a specialist document analysis tool. Your task is to split a markdown document into its logical sections. You must output your response as a valid JSON array."
const ClassifyUserPrompt = `Analyze the provided markdown document and split it into logical sections.

Follow these rules precisely:
1.  Sections are usually marked by headers like '# Title', '## Subtitle', or numbered headers like '1. Introduction', '1.1 Background'.
2.  Create one JSON object per section with exactly these keys:
    - "section": the full header title (e.g., "1.1.2 Background and Motivation").
    - "kind": one of "front-matter", "body", "table", "appendix", "reference".
    - "content": all markdown under that header, up to the next header of the same or higher level.
3.  The output MUST be a single valid JSON array of these objects and nothing else.`

// --- Extract Prompts ---
const ExtractSystemPrompt = "You are an information extraction engine for engineering documents. You must output your response as a single valid JSON object."
const ExtractUserPrompt = `Read the provided markdown document and the section list that follows it.

Return a JSON object with these keys:
- "title": the document title.
- "documentType": a short label such as "specification", "datasheet", "manual" or "report".
- "identifiers": an array of document numbers, part numbers or revision codes that appear in the document.
- "fields": an object mapping every named parameter, requirement or rating to its value, units included.

Only report values that appear in the document. Do not invent values.`

// --- Assess Prompts ---
const AssessSystemPrompt = "You are a meticulous reviewer. Your task is to check an extraction against its source document. You must output your response as a single valid JSON object."
const AssessUserPrompt = `Compare the extracted fields that follow with the provided markdown document.

Return a JSON object with these keys:
- "score": a number between 0 and 1 for how faithful and complete the extraction is.
- "issues": an array of strings, one per missing, wrong or unsupported value.
- "summary": two or three sentences summarising the document.`

type stagePrompt struct {
	system string
	user   string
	json   bool
}

var stagePrompts = map[models.Stage]stagePrompt{
	models.StageOCR:      {system: OCRSystemPrompt, user: OCRUserPrompt},
	models.StageClassify: {system: ClassifySystemPrompt, user: ClassifyUserPrompt, json: true},
	models.StageExtract:  {system: ExtractSystemPrompt, user: ExtractUserPrompt, json: true},
	models.StageAssess:   {system: AssessSystemPrompt, user: AssessUserPrompt, json: true},
}

// Generator produces content for a stage with the named model.
type Generator interface {
	Generate(ctx context.Context, stage models.Stage, model string, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexClient configures a generative model per stage on every call, so
// backends can name any model in configuration.
type VertexClient struct {
	baseClient *genai.Client
}

// NewVertexClient creates a new client for projectID in region.
func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{baseClient: baseClient}, nil
}

// Model returns name configured with the instructions for stage.
func (c *VertexClient) Model(stage models.Stage, name string) *genai.GenerativeModel {
	if name == "" {
		name = defaultModel
	}
	p := stagePrompts[stage]
	model := c.baseClient.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(p.system)},
	}
	if p.json {
		model.GenerationConfig = genai.GenerationConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0.0),
		}
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}
	return model
}

func (c *VertexClient) Generate(ctx context.Context, stage models.Stage, model string, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return c.Model(stage, model).GenerateContent(ctx, parts...)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// ObjectReader returns the content of a gs:// object.
type ObjectReader func(ctx context.Context, uri string) ([]byte, error)

// VertexInvoker runs every pipeline stage on Gemini. Backend.UnitCost is
// charged per 1,000 tokens reported by the service.
type VertexInvoker struct {
	gen             Generator
	read            ObjectReader
	pageConcurrency int
}

// NewVertexInvoker returns an invoker. read loads earlier stage outputs that
// are passed inline rather than by URI.
func NewVertexInvoker(gen Generator, read ObjectReader) *VertexInvoker {
	return &VertexInvoker{gen: gen, read: read, pageConcurrency: 4}
}

var _ backend.Invoker = (*VertexInvoker)(nil)

func (v *VertexInvoker) Invoke(ctx context.Context, in backend.Input, b models.Backend) (models.StageResult, error) {
	switch in.Stage {
	case models.StageOCR:
		return v.transcribe(ctx, in, b)
	case models.StageClassify:
		return v.classify(ctx, in, b)
	case models.StageExtract:
		return v.extract(ctx, in, b)
	case models.StageAssess:
		return v.assess(ctx, in, b)
	default:
		return models.StageResult{}, backend.Permanent(fmt.Errorf("vertex cannot run stage %s", in.Stage))
	}
}

// transcribe OCRs each page and joins them in page order into one master
// markdown document.
func (v *VertexInvoker) transcribe(ctx context.Context, in backend.Input, b models.Backend) (models.StageResult, error) {
	if len(in.Pages) == 0 {
		return models.StageResult{}, backend.Permanent(fmt.Errorf("document %s has no pages", in.DocumentID))
	}
	logCtx := slog.With("documentId", in.DocumentID, "backendId", b.ID)

	pages := make([]string, len(in.Pages))
	var tokens atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.pageConcurrency)
	for i, uri := range in.Pages {
		g.Go(func() error {
			resp, err := v.gen.Generate(gctx, models.StageOCR, b.Model,
				genai.FileData{MIMEType: "application/pdf", FileURI: uri},
				genai.Text(OCRUserPrompt))
			if err != nil {
				return classifyError(fmt.Errorf("page %d: %w", i+1, err))
			}
			tokens.Add(tokenCount(resp))
			text := extractText(resp)
			if hasRefusal(text) {
				return backend.Permanent(fmt.Errorf("gemini response indicates refusal for page %d", i+1))
			}
			if text == "" {
				logCtx.Warn("No markdown content extracted from response. Treating as empty page.", "page", i+1)
			}
			pages[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.StageResult{}, err
	}

	logCtx.Info("Pages transcribed.", "pageCount", len(pages))
	return models.StageResult{
		Output:         []byte(strings.Join(pages, "\n\n---\n\n")),
		MimeType:       "text/markdown",
		CostUnits:      cost(b, tokens.Load()),
		PagesProcessed: len(pages),
	}, nil
}

type section struct {
	Section string `json:"section"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

func (v *VertexInvoker) classify(ctx context.Context, in backend.Input, b models.Backend) (models.StageResult, error) {
	master, err := requireOutput(in, models.StageOCR)
	if err != nil {
		return models.StageResult{}, err
	}
	resp, err := v.gen.Generate(ctx, models.StageClassify, b.Model,
		genai.FileData{MIMEType: "text/markdown", FileURI: master},
		genai.Text(ClassifyUserPrompt))
	if err != nil {
		return models.StageResult{}, classifyError(err)
	}
	raw, err := decodeJSON[[]section](resp)
	if err != nil {
		return models.StageResult{}, err
	}
	var sections []section
	_ = json.Unmarshal(raw, &sections)
	if len(sections) == 0 {
		slog.Warn("Model returned a valid but empty JSON array.", "documentId", in.DocumentID)
	}
	return models.StageResult{
		Output:             raw,
		MimeType:           "application/json",
		CostUnits:          cost(b, tokenCount(resp)),
		SectionsIdentified: len(sections),
	}, nil
}

func (v *VertexInvoker) extract(ctx context.Context, in backend.Input, b models.Backend) (models.StageResult, error) {
	master, err := requireOutput(in, models.StageOCR)
	if err != nil {
		return models.StageResult{}, err
	}
	parts := []genai.Part{
		genai.FileData{MIMEType: "text/markdown", FileURI: master},
		genai.Text(ExtractUserPrompt),
	}
	if loc, ok := in.Outputs[string(models.StageClassify)]; ok {
		sections, err := v.inline(ctx, loc)
		if err != nil {
			return models.StageResult{}, err
		}
		parts = append(parts, genai.Text("Sections:\n"+sections))
	}
	resp, err := v.gen.Generate(ctx, models.StageExtract, b.Model, parts...)
	if err != nil {
		return models.StageResult{}, classifyError(err)
	}
	raw, err := decodeJSON[map[string]any](resp)
	if err != nil {
		return models.StageResult{}, err
	}
	return models.StageResult{
		Output:    raw,
		MimeType:  "application/json",
		CostUnits: cost(b, tokenCount(resp)),
	}, nil
}

type assessment struct {
	Score   *float64 `json:"score"`
	Issues  []string `json:"issues"`
	Summary string   `json:"summary"`
}

func (v *VertexInvoker) assess(ctx context.Context, in backend.Input, b models.Backend) (models.StageResult, error) {
	master, err := requireOutput(in, models.StageOCR)
	if err != nil {
		return models.StageResult{}, err
	}
	fieldsLoc, err := requireOutput(in, models.StageExtract)
	if err != nil {
		return models.StageResult{}, err
	}
	fields, err := v.inline(ctx, fieldsLoc)
	if err != nil {
		return models.StageResult{}, err
	}
	resp, err := v.gen.Generate(ctx, models.StageAssess, b.Model,
		genai.FileData{MIMEType: "text/markdown", FileURI: master},
		genai.Text(AssessUserPrompt),
		genai.Text("Extracted fields:\n"+fields))
	if err != nil {
		return models.StageResult{}, classifyError(err)
	}
	raw, err := decodeJSON[assessment](resp)
	if err != nil {
		return models.StageResult{}, err
	}
	var a assessment
	_ = json.Unmarshal(raw, &a)
	if a.Score == nil || *a.Score < 0 || *a.Score > 1 {
		return models.StageResult{}, backend.Permanent(fmt.Errorf("assessment score missing or outside [0, 1]"))
	}
	return models.StageResult{
		Output:    raw,
		MimeType:  "application/json",
		CostUnits: cost(b, tokenCount(resp)),
	}, nil
}

func (v *VertexInvoker) inline(ctx context.Context, uri string) (string, error) {
	if v.read == nil {
		return "", backend.Permanent(fmt.Errorf("no reader configured for %s", uri))
	}
	data, err := v.read(ctx, uri)
	if err != nil {
		return "", classifyError(err)
	}
	return string(data), nil
}

func requireOutput(in backend.Input, stage models.Stage) (string, error) {
	loc := in.Outputs[string(stage)]
	if loc == "" {
		return "", backend.Permanent(fmt.Errorf("document %s has no %s output", in.DocumentID, stage))
	}
	return loc, nil
}

// decodeJSON checks the response is a non-refusing JSON value of type T and
// returns it as raw bytes.
func decodeJSON[T any](resp *genai.GenerateContentResponse) ([]byte, error) {
	text := extractText(resp)
	if text == "" {
		return nil, backend.Permanent(errors.New("gemini returned an empty response instead of JSON"))
	}
	if hasRefusal(text) {
		return nil, backend.Permanent(errors.New("gemini response indicates refusal"))
	}
	var v T
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, backend.Permanent(fmt.Errorf("failed to parse JSON from model: %w", err))
	}
	return []byte(text), nil
}

// extractText concatenates the text parts of the first candidate and strips
// markdown fences.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}

	content := strings.TrimSpace(b.String())
	for _, fence := range []string{"```markdown", "```json", "```"} {
		if strings.HasPrefix(content, fence) {
			content = strings.TrimPrefix(content, fence)
			break
		}
	}
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

func hasRefusal(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func tokenCount(resp *genai.GenerateContentResponse) int64 {
	if resp == nil || resp.UsageMetadata == nil {
		return 0
	}
	return int64(resp.UsageMetadata.TotalTokenCount)
}

func cost(b models.Backend, tokens int64) float64 {
	return b.UnitCost * float64(tokens) / 1000
}

// classifyError maps Vertex AI and GCS failures onto backend error kinds.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var be *backend.Error
	switch {
	case errors.As(err, &be):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return backend.Transient(err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return backend.Throttled(err)
		case gerr.Code == http.StatusRequestTimeout || gerr.Code >= 500:
			return backend.Transient(err)
		default:
			return backend.Permanent(err)
		}
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted:
			return backend.Throttled(err)
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Canceled:
			return backend.Transient(err)
		}
	}
	return backend.Permanent(err)
}
