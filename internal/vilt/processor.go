package vilt

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	DefaultShortestEdge = 384
	// 1333/800 of the shortest edge, truncated: 639.
	DefaultLongestEdge  = 1333 * DefaultShortestEdge / 800
	DefaultSizeDivisor  = 32
	DefaultMaxTokens    = 40
)

// Encoding holds the inputs of one forward pass. Local backends read the
// tensors; remote backends read ImageJPEG and Question.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64

	PixelValues []float32 // [1,3,Height,Width], channel-first
	PixelMask   []int64   // [1,Height,Width]
	Height      int
	Width       int

	ImageJPEG []byte
	Question  string
}

type Tokenizer interface {
	Encode(text string) (ids, typeIDs, mask []int64, err error)
}

type ProcessorOptions struct {
	ShortestEdge int
	LongestEdge  int
	SizeDivisor  int
	MaxTokens    int
}

// Processor turns an RGB bitmap and a question into model tensors.
type Processor struct {
	tokenizer    Tokenizer
	shortestEdge int
	longestEdge  int
	sizeDivisor  int
	maxTokens    int
}

func NewProcessor(tokenizer Tokenizer, opts ProcessorOptions) *Processor {
	p := &Processor{
		tokenizer:    tokenizer,
		shortestEdge: opts.ShortestEdge,
		longestEdge:  opts.LongestEdge,
		sizeDivisor:  opts.SizeDivisor,
		maxTokens:    opts.MaxTokens,
	}
	if p.shortestEdge <= 0 {
		p.shortestEdge = DefaultShortestEdge
	}
	if p.longestEdge <= 0 {
		p.longestEdge = DefaultLongestEdge
	}
	if p.sizeDivisor <= 0 {
		p.sizeDivisor = DefaultSizeDivisor
	}
	if p.maxTokens <= 0 {
		p.maxTokens = DefaultMaxTokens
	}
	return p
}

func (p *Processor) Encode(img image.Image, question string) (Encoding, error) {
	if p.tokenizer == nil {
		return Encoding{}, errors.New("processor has no tokenizer")
	}

	ids, typeIDs, mask, err := p.tokenizer.Encode(question)
	if err != nil {
		return Encoding{}, fmt.Errorf("tokenize question: %w", err)
	}
	if len(ids) != len(typeIDs) || len(ids) != len(mask) {
		return Encoding{}, fmt.Errorf("tokenizer returned mismatched lengths %d/%d/%d", len(ids), len(typeIDs), len(mask))
	}
	if len(ids) > p.maxTokens {
		return Encoding{}, fmt.Errorf("question is %d tokens long, the model accepts at most %d", len(ids), p.maxTokens)
	}

	pixels, h, w, err := p.pixelValues(img)
	if err != nil {
		return Encoding{}, err
	}

	pixelMask := make([]int64, h*w)
	for i := range pixelMask {
		pixelMask[i] = 1
	}

	return Encoding{
		InputIDs:      ids,
		AttentionMask: mask,
		TokenTypeIDs:  typeIDs,
		PixelValues:   pixels,
		PixelMask:     pixelMask,
		Height:        h,
		Width:         w,
		Question:      question,
	}, nil
}

func (p *Processor) pixelValues(img image.Image) ([]float32, int, int, error) {
	b := img.Bounds()
	h, w := ResizeDims(b.Dy(), b.Dx(), p.shortestEdge, p.longestEdge, p.sizeDivisor)
	if h <= 0 || w <= 0 {
		return nil, 0, 0, fmt.Errorf("image %dx%d is too small to resize", b.Dx(), b.Dy())
	}

	resized := imaging.Resize(img, w, h, imaging.CatmullRom)

	plane := h * w
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			i := y*w + x
			out[i] = normalize(px[0])
			out[plane+i] = normalize(px[1])
			out[2*plane+i] = normalize(px[2])
		}
	}
	return out, h, w, nil
}

// rescale by 1/255 then standardise with mean 0.5, std 0.5.
func normalize(v uint8) float32 {
	return (float32(v)/255 - 0.5) / 0.5
}

// ResizeDims scales (h, w) so the shorter side equals shortest, caps the longer
// side at longest, and floors both to a multiple of divisor.
func ResizeDims(h, w, shortest, longest, divisor int) (int, int) {
	if h <= 0 || w <= 0 {
		return 0, 0
	}

	fh, fw := float64(h), float64(w)
	scale := float64(shortest) / min(fh, fw)
	var nh, nw float64
	if h < w {
		nh, nw = float64(shortest), scale*fw
	} else {
		nh, nw = scale*fh, float64(shortest)
	}

	if m := max(nh, nw); m > float64(longest) {
		scale = float64(longest) / m
		nh *= scale
		nw *= scale
	}

	rh, rw := int(nh+0.5), int(nw+0.5)
	return rh / divisor * divisor, rw / divisor * divisor
}
