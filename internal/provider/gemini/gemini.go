package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vnmchuo/fauxweb/internal/provider"
)

// modelsAPI is the subset of *genai.Models the backend calls.
type modelsAPI interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateVideos(ctx context.Context, model string, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
}

type operationsAPI interface {
	GetVideosOperation(ctx context.Context, operation *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
}

type GeminiProvider struct {
	apiKey     string
	models     modelsAPI
	operations operationsAPI
	httpClient *http.Client
}

// Spec is the catalogue entry for the Gemini API.
func Spec() provider.Spec {
	return provider.Spec{
		Name:    "google",
		Aliases: []string{"gemini"},
		EnvKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		Text: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "gemini-3-flash-preview",
			Models: []string{
				"gemini-flash-lite-latest",
				"gemini-flash-latest",
				"gemini-2.5-pro",
				"gemini-2.5-flash",
				"gemini-3-pro-preview",
				"gemini-3-flash-preview",
			},
		},
		Image: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "gemini-2.5-flash-image-preview",
			Models:       []string{"gemini-2.5-flash-image-preview"},
		},
		Video: provider.RoleSpec{
			Supported:    true,
			DefaultModel: "veo-3.1-fast-generate-preview",
			Models: []string{
				"veo-3.1-generate-001",
				"veo-3.1-generate-preview",
				"veo-3.1-fast-generate-001",
				"veo-3.1-fast-generate-preview",
			},
		},
		New: func(ctx context.Context, apiKey string) (provider.Backend, error) {
			return New(ctx, apiKey)
		},
	}
}

func New(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		models:     client.Models,
		operations: client.Operations,
		httpClient: http.DefaultClient,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "google"
}

func (p *GeminiProvider) StreamText(ctx context.Context, model, prompt string) iter.Seq2[provider.Chunk, error] {
	return func(yield func(provider.Chunk, error) bool) {
		var usage *provider.Usage
		for resp, err := range p.models.GenerateContentStream(ctx, model, genai.Text(prompt), nil) {
			if err != nil {
				yield(provider.Chunk{}, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if u := extractUsage(resp); u != nil {
				usage = u
			}
			if text := extractText(resp); text != "" {
				if !yield(provider.Chunk{Text: text}, nil) {
					return
				}
			}
		}
		if usage != nil {
			yield(provider.Chunk{Usage: usage}, nil)
		}
	}
}

func (p *GeminiProvider) GenerateImage(ctx context.Context, model, prompt string) (*provider.Image, error) {
	resp, err := p.models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini image: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, provider.ErrNoCandidates
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mimeType := part.InlineData.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return &provider.Image{
			MIMEType: mimeType,
			Data:     part.InlineData.Data,
			Usage:    extractUsage(resp),
		}, nil
	}
	return nil, provider.ErrNoImageData
}

func (p *GeminiProvider) SubmitVideo(ctx context.Context, model, prompt string, conditioning *provider.Image) (*provider.VideoJob, error) {
	var image *genai.Image
	if conditioning != nil && len(conditioning.Data) > 0 {
		image = &genai.Image{
			ImageBytes: conditioning.Data,
			MIMEType:   conditioning.MIMEType,
		}
	}

	op, err := p.models.GenerateVideos(ctx, model, prompt, image, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini video submit: %w", err)
	}
	return jobFromOperation(op), nil
}

func (p *GeminiProvider) PollVideo(ctx context.Context, job *provider.VideoJob) (*provider.VideoJob, error) {
	op, err := p.operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: job.ID}, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini video poll: %w", err)
	}
	if op.Name == "" {
		op.Name = job.ID
	}
	return jobFromOperation(op), nil
}

func (p *GeminiProvider) DownloadVideo(ctx context.Context, job *provider.VideoJob) ([]byte, string, error) {
	if len(job.VideoBytes) > 0 {
		mimeType := job.MIMEType
		if mimeType == "" {
			mimeType = "video/mp4"
		}
		return job.VideoBytes, mimeType, nil
	}
	if job.VideoURI == "" {
		return nil, "", fmt.Errorf("video job %s has no artifact", job.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.VideoURI, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("gemini video download error (status %d): %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return data, mimeType, nil
}

func jobFromOperation(op *genai.GenerateVideosOperation) *provider.VideoJob {
	job := &provider.VideoJob{ID: op.Name, Done: op.Done}
	if len(op.Error) > 0 {
		job.Error = fmt.Sprint(op.Error["message"])
		if job.Error == "" || job.Error == "<nil>" {
			job.Error = fmt.Sprint(op.Error)
		}
		return job
	}
	if !op.Done || op.Response == nil {
		return job
	}
	if len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		job.Error = "operation finished without a generated video"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			job.Error += ": " + strings.Join(op.Response.RAIMediaFilteredReasons, "; ")
		}
		return job
	}
	v := op.Response.GeneratedVideos[0].Video
	job.VideoURI = v.URI
	job.VideoBytes = v.VideoBytes
	job.MIMEType = v.MIMEType
	return job
}

// extractText concatenates the non-thought text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func extractUsage(resp *genai.GenerateContentResponse) *provider.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return &provider.Usage{
		PromptTokenCount: int(resp.UsageMetadata.PromptTokenCount),
		TotalTokenCount:  int(resp.UsageMetadata.TotalTokenCount),
	}
}
