package hfinference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"

	"vilt-vqa/internal/vilt"
)

const (
	DefaultModel        = "dandelin/vilt-b32-finetuned-vqa"
	DefaultInferenceURL = "https://router.huggingface.co/hf-inference"
	DefaultHubURL       = "https://huggingface.co"
)

type Options struct {
	Token        string
	Model        string
	InferenceURL string
	HubURL       string
	TopK         int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to the hosted visual-question-answering task. The vocabulary
// must be loaded with LoadVocabulary before Forward is used.
type Client struct {
	token        string
	model        string
	inferenceURL string
	hubURL       string
	topK         int
	httpClient   *http.Client
	logger       *slog.Logger

	vocab *vilt.Vocabulary
}

func New(opts Options) *Client {
	model := strings.Trim(strings.TrimSpace(opts.Model), "/")
	if model == "" {
		model = DefaultModel
	}

	inferenceURL := strings.TrimRight(strings.TrimSpace(opts.InferenceURL), "/")
	if inferenceURL == "" {
		inferenceURL = DefaultInferenceURL
	}

	hubURL := strings.TrimRight(strings.TrimSpace(opts.HubURL), "/")
	if hubURL == "" {
		hubURL = DefaultHubURL
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		token:        opts.Token,
		model:        model,
		inferenceURL: inferenceURL,
		hubURL:       hubURL,
		topK:         topK,
		httpClient:   opts.HTTPClient,
		logger:       logger,
	}
}

// LoadVocabulary fetches the model's config.json from the Hub once.
func (c *Client) LoadVocabulary(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s/resolve/main/config.json", c.hubURL, c.model)
	rawBody, err := c.do(ctx, http.MethodGet, url, nil, false)
	if err != nil {
		return fmt.Errorf("fetch model config: %w", err)
	}

	vocab, err := vilt.LoadVocabulary(bytes.NewReader(rawBody))
	if err != nil {
		return err
	}
	c.vocab = vocab
	c.logger.Info("vocabulary loaded", "model", c.model, "labels", vocab.Len())
	return nil
}

func (c *Client) Vocabulary() *vilt.Vocabulary {
	return c.vocab
}

func (c *Client) Encode(img image.Image, question string) (vilt.Encoding, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return vilt.Encoding{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return vilt.Encoding{ImageJPEG: buf.Bytes(), Question: question}, nil
}

// Forward asks the hosted model and spreads the returned (answer, score) pairs
// over the vocabulary. Labels the service did not return score -Inf.
func (c *Client) Forward(ctx context.Context, enc vilt.Encoding) ([]float32, error) {
	if c.vocab == nil {
		return nil, errors.New("vocabulary is not loaded")
	}
	if len(enc.ImageJPEG) == 0 {
		return nil, errors.New("encoding has no image")
	}

	answers, err := c.answer(ctx, enc.ImageJPEG, enc.Question)
	if err != nil {
		return nil, err
	}
	return Scores(c.vocab, answers)
}

func Scores(vocab *vilt.Vocabulary, answers []Answer) ([]float32, error) {
	scores := make([]float32, vocab.Len())
	for i := range scores {
		scores[i] = float32(math.Inf(-1))
	}

	matched := 0
	for _, a := range answers {
		id, ok := vocab.Index(a.Answer)
		if !ok {
			continue
		}
		if s := float32(a.Score); s > scores[id] {
			scores[id] = s
		}
		matched++
	}
	if matched == 0 {
		return nil, fmt.Errorf("none of %d answers is in the model vocabulary", len(answers))
	}
	return scores, nil
}

func (c *Client) answer(ctx context.Context, jpeg []byte, question string) ([]Answer, error) {
	body, err := json.Marshal(vqaRequest{
		Inputs: vqaInputs{
			Image:    base64.StdEncoding.EncodeToString(jpeg),
			Question: question,
		},
		Parameters: vqaParameters{TopK: c.topK},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s", c.inferenceURL, c.model)
	rawBody, err := c.do(ctx, http.MethodPost, url, body, false)
	if err != nil && isModelLoading(err) {
		c.logger.Warn("model is loading, waiting", "model", c.model)
		rawBody, err = c.do(ctx, http.MethodPost, url, body, true)
	}
	if err != nil {
		return nil, err
	}

	var answers []Answer
	if err := json.Unmarshal(rawBody, &answers); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return answers, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, waitForModel bool) ([]byte, error) {
	if c.httpClient == nil {
		return nil, errors.New("http client is nil")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("content-type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("authorization", "Bearer "+c.token)
	}
	if waitForModel {
		httpReq.Header.Set("x-wait-for-model", "true")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, &APIError{
			Status:  httpResp.StatusCode,
			Message: errorMessage(rawBody),
		}
	}
	return rawBody, nil
}

func errorMessage(rawBody []byte) string {
	var decoded apiErrorBody
	if err := json.Unmarshal(rawBody, &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	return strings.TrimSpace(string(rawBody))
}

func isModelLoading(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusServiceUnavailable && strings.Contains(strings.ToLower(apiErr.Message), "loading")
}
