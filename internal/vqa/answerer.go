package vqa

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"vilt-vqa/internal/imageproc"
	"vilt-vqa/internal/metrics"
	"vilt-vqa/internal/vilt"
)

// Model is a loaded vision-language classifier. Implementations are shared
// read-only across requests.
type Model interface {
	Encode(img image.Image, question string) (vilt.Encoding, error)
	Forward(ctx context.Context, enc vilt.Encoding) ([]float32, error)
	Vocabulary() *vilt.Vocabulary
}

type Options struct {
	Model   Model
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Answerer struct {
	model   Model
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Answerer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Answerer{
		model:   opts.Model,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Answer never fails: every error comes back as a Result carrying its kind.
func (a *Answerer) Answer(ctx context.Context, data []byte, question string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(KindInference, fmt.Errorf("panic: %v", r))
		}
		a.metrics.ObserveAnswer(res.outcome())
		if res.Err != nil {
			a.logger.Warn("answer failed", "kind", res.Kind, "err", res.Err)
		}
	}()

	if a.model == nil {
		return Failed(KindInference, errNoModel)
	}

	begin := time.Now()
	img, err := imageproc.DecodeRGB(data)
	a.metrics.ObserveStage("decode", begin)
	if err != nil {
		return Failed(KindDecode, err)
	}

	begin = time.Now()
	enc, err := a.model.Encode(img, question)
	a.metrics.ObserveStage("encode", begin)
	if err != nil {
		return Failed(KindEncode, err)
	}

	begin = time.Now()
	scores, err := a.model.Forward(ctx, enc)
	a.metrics.ObserveStage("forward", begin)
	if err != nil {
		return Failed(KindInference, err)
	}

	vocab := a.model.Vocabulary()
	if vocab == nil {
		return Failed(KindInference, errNoVocabulary)
	}
	idx := vilt.Argmax(scores)
	label, ok := vocab.Label(idx)
	if !ok {
		return Failed(KindInference, fmt.Errorf("model returned %d scores, no label for index %d", len(scores), idx))
	}

	a.logger.Debug("answered", "question", question, "answer", label, "index", idx)
	return Result{Answer: label}
}
