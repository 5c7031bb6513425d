package ortmodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"vilt-vqa/internal/vilt"
)

func TestToInt64(t *testing.T) {
	assert.Equal(t, []int64{101, 2054, 102}, toInt64([]int{101, 2054, 102}))
	assert.Equal(t, []int64{}, toInt64(nil))
}

func TestLoadVocabulary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id2label": {"0": "yes", "1": "no"}}`), 0o644))

	vocab, err := loadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, 2, vocab.Len())

	_, err = loadVocabulary("")
	assert.Error(t, err)

	_, err = loadVocabulary(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestNewFailsWithoutConfig(t *testing.T) {
	_, err := New(Options{ConfigPath: filepath.Join(t.TempDir(), "nope.json")})
	assert.ErrorContains(t, err, "open model config")
}

func sampleEncoding() vilt.Encoding {
	const h, w = 2, 3
	return vilt.Encoding{
		InputIDs:      []int64{101, 2054, 102},
		AttentionMask: []int64{1, 1, 1},
		TokenTypeIDs:  []int64{0, 0, 0},
		PixelValues:   make([]float32, 3*h*w),
		PixelMask:     []int64{1, 1, 1, 1, 1, 1},
		Height:        h,
		Width:         w,
	}
}

func TestInputSpecs(t *testing.T) {
	specs, err := inputSpecs(sampleEncoding())
	require.NoError(t, err)
	require.Len(t, specs, len(inputNames))

	want := []ort.Shape{
		ort.NewShape(1, 3),
		ort.NewShape(1, 3),
		ort.NewShape(1, 3),
		ort.NewShape(1, 3, 2, 3),
		ort.NewShape(1, 2, 3),
	}
	for i, spec := range specs {
		assert.Equal(t, inputNames[i], spec.name)
		assert.Equal(t, want[i], spec.shape, spec.name)
	}
	assert.NotNil(t, specs[3].floats)
	assert.Equal(t, []int64{101, 2054, 102}, specs[0].ints)
}

func TestInputSpecsRejectsMismatchedBuffers(t *testing.T) {
	enc := sampleEncoding()
	enc.PixelMask = enc.PixelMask[:4]
	_, err := inputSpecs(enc)
	assert.ErrorContains(t, err, "pixel_mask")

	enc = sampleEncoding()
	enc.TokenTypeIDs = nil
	_, err = inputSpecs(enc)
	assert.ErrorContains(t, err, "token_type_ids")

	_, err = inputSpecs(vilt.Encoding{})
	assert.Error(t, err)
}

type fakeRunner struct {
	shapes []ort.Shape
	logits []float32
}

func (f *fakeRunner) Run(inputs, outputs []ort.Value) error {
	for _, in := range inputs {
		f.shapes = append(f.shapes, in.GetShape())
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return errors.New("logits tensor is not float32")
	}
	copy(out.GetData(), f.logits)
	return nil
}

func (f *fakeRunner) Destroy() error { return nil }

// Tensors are allocated by onnxruntime, so this needs the shared library.
func TestForwardFeedsSession(t *testing.T) {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if lib == "" {
		t.Skip("ONNXRUNTIME_LIB not set")
	}
	require.NoError(t, initEnvironment(lib))

	runner := &fakeRunner{logits: []float32{0.1, 2.5, -1}}
	m := &Model{
		session: runner,
		vocab:   vilt.NewVocabulary([]string{"no", "yes", "maybe"}),
	}

	scores, err := m.Forward(context.Background(), sampleEncoding())
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 2.5, -1}, scores)
	assert.Equal(t, []ort.Shape{
		ort.NewShape(1, 3),
		ort.NewShape(1, 3),
		ort.NewShape(1, 3),
		ort.NewShape(1, 3, 2, 3),
		ort.NewShape(1, 2, 3),
	}, runner.shapes)
}

func TestForwardHonoursCancelledContext(t *testing.T) {
	m := &Model{session: &fakeRunner{}, vocab: vilt.NewVocabulary([]string{"yes"})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, sampleEncoding())
	assert.ErrorIs(t, err, context.Canceled)
}
