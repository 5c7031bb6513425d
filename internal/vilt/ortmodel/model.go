// Package ortmodel runs an ONNX export of ViltForQuestionAnswering in process.
package ortmodel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"vilt-vqa/internal/vilt"
)

var (
	inputNames  = []string{"input_ids", "attention_mask", "token_type_ids", "pixel_values", "pixel_mask"}
	outputNames = []string{"logits"}
)

var envOnce sync.Once
var envErr error

type Options struct {
	ModelPath     string
	TokenizerPath string
	ConfigPath    string
	// SharedLibraryPath points at libonnxruntime; empty uses the loader default.
	SharedLibraryPath string
	Logger            *slog.Logger
}

// runner is the part of an onnxruntime session Forward needs.
type runner interface {
	Run(inputs, outputs []ort.Value) error
	Destroy() error
}

type Model struct {
	session   runner
	processor *vilt.Processor
	vocab     *vilt.Vocabulary
	logger    *slog.Logger
}

func New(opts Options) (*Model, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vocab, err := loadVocabulary(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	tk, err := pretrained.FromFile(opts.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", opts.TokenizerPath, err)
	}

	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session %s: %w", opts.ModelPath, err)
	}

	logger.Info("onnx model loaded", "model", opts.ModelPath, "labels", vocab.Len())

	return &Model{
		session:   session,
		processor: vilt.NewProcessor(bertTokenizer{tk: tk}, vilt.ProcessorOptions{}),
		vocab:     vocab,
		logger:    logger,
	}, nil
}

func (m *Model) Vocabulary() *vilt.Vocabulary {
	return m.vocab
}

func (m *Model) Encode(img image.Image, question string) (vilt.Encoding, error) {
	return m.processor.Encode(img, question)
}

// Forward runs the session once. ctx is only checked before the call since
// onnxruntime offers no cancellation.
func (m *Model) Forward(ctx context.Context, enc vilt.Encoding) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	specs, err := inputSpecs(enc)
	if err != nil {
		return nil, err
	}

	var inputs []ort.Value
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()

	for _, spec := range specs {
		var t ort.Value
		if spec.floats != nil {
			t, err = ort.NewTensor(spec.shape, spec.floats)
		} else {
			t, err = ort.NewTensor(spec.shape, spec.ints)
		}
		if err != nil {
			return nil, fmt.Errorf("%s tensor: %w", spec.name, err)
		}
		inputs = append(inputs, t)
	}

	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.vocab.Len())))
	if err != nil {
		return nil, fmt.Errorf("logits tensor: %w", err)
	}
	defer logits.Destroy()

	if err := m.session.Run(inputs, []ort.Value{logits}); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	out := make([]float32, m.vocab.Len())
	copy(out, logits.GetData())
	return out, nil
}

type tensorSpec struct {
	name   string
	shape  ort.Shape
	ints   []int64
	floats []float32
}

// inputSpecs lays out the encoding in session input order and checks every
// buffer against its shape.
func inputSpecs(enc vilt.Encoding) ([]tensorSpec, error) {
	seq := int64(len(enc.InputIDs))
	h, w := int64(enc.Height), int64(enc.Width)
	if seq == 0 || h <= 0 || w <= 0 {
		return nil, fmt.Errorf("empty encoding: %d tokens, %dx%d pixels", seq, w, h)
	}

	specs := []tensorSpec{
		{name: inputNames[0], shape: ort.NewShape(1, seq), ints: enc.InputIDs},
		{name: inputNames[1], shape: ort.NewShape(1, seq), ints: enc.AttentionMask},
		{name: inputNames[2], shape: ort.NewShape(1, seq), ints: enc.TokenTypeIDs},
		{name: inputNames[3], shape: ort.NewShape(1, 3, h, w), floats: enc.PixelValues},
		{name: inputNames[4], shape: ort.NewShape(1, h, w), ints: enc.PixelMask},
	}
	for _, spec := range specs {
		n := len(spec.ints)
		if spec.floats != nil {
			n = len(spec.floats)
		}
		if int64(n) != spec.shape.FlattenedSize() {
			return nil, fmt.Errorf("%s has %d values, shape %v needs %d", spec.name, n, spec.shape, spec.shape.FlattenedSize())
		}
	}
	return specs, nil
}

func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if strings.TrimSpace(libPath) != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("init onnxruntime: %w", err)
		}
	})
	return envErr
}

func loadVocabulary(path string) (*vilt.Vocabulary, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model config path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model config: %w", err)
	}
	defer f.Close()
	return vilt.LoadVocabulary(f)
}

type bertTokenizer struct {
	tk *tokenizer.Tokenizer
}

func (b bertTokenizer) Encode(text string) ([]int64, []int64, []int64, error) {
	en, err := b.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, nil, nil, err
	}
	return toInt64(en.Ids), toInt64(en.TypeIds), toInt64(en.AttentionMask), nil
}

func toInt64(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}
