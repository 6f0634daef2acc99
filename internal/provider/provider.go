package provider

import (
	"context"
	"iter"
)

// Role is the kind of generation a backend is selected for.
type Role string

const (
	RoleText  Role = "text"
	RoleImage Role = "image"
	RoleVideo Role = "video"
)

// Config is the resolved backend selection for one role.
type Config struct {
	Provider string `json:"provider"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`
}

// Usage is token accounting reported by a backend.
type Usage struct {
	PromptTokenCount int `json:"promptTokenCount"`
	TotalTokenCount  int `json:"totalTokenCount"`
}

// Chunk is one unit of a streamed text response. Backends emit text chunks
// and at most one trailing usage chunk (empty Text, Usage set). Done marks
// the synthetic end of stream added by the pipeline; backends never set it.
type Chunk struct {
	Text  string
	Usage *Usage
	Done  bool
}

// EndOfStream is the terminal marker fed to pipeline observers.
var EndOfStream = Chunk{Done: true}

// Image is a single generated artifact.
type Image struct {
	MIMEType string
	Data     []byte
	Usage    *Usage
}

// VideoJob tracks a long-running video generation on the backend side.
type VideoJob struct {
	ID       string
	Done     bool
	VideoURI string
	// Some backends return the bytes inline instead of a URI.
	VideoBytes []byte
	MIMEType   string
	Error      string
}

// Backend is the common surface of every provider client. Capabilities are
// discovered through the TextStreamer, ImageGenerator and VideoGenerator
// interfaces.
type Backend interface {
	Name() string
}

type TextStreamer interface {
	Backend
	// StreamText opens a streaming completion. The network call happens when
	// the sequence is first iterated.
	StreamText(ctx context.Context, model, prompt string) iter.Seq2[Chunk, error]
}

type ImageGenerator interface {
	Backend
	GenerateImage(ctx context.Context, model, prompt string) (*Image, error)
}

type VideoGenerator interface {
	Backend
	SubmitVideo(ctx context.Context, model, prompt string, conditioning *Image) (*VideoJob, error)
	PollVideo(ctx context.Context, job *VideoJob) (*VideoJob, error)
	// DownloadVideo fetches the finished artifact and returns it with the
	// content type reported by the transport.
	DownloadVideo(ctx context.Context, job *VideoJob) ([]byte, string, error)
}

// Factory builds a backend client for one API key.
type Factory func(ctx context.Context, apiKey string) (Backend, error)
