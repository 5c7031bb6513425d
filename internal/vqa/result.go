package vqa

import "errors"

type Kind string

const (
	KindNone      Kind = ""
	KindDecode    Kind = "decode"
	KindEncode    Kind = "encode"
	KindInference Kind = "inference"
)

var (
	errNoModel      = errors.New("model is not loaded")
	errNoVocabulary = errors.New("model vocabulary is not loaded")
)

// Result is either an answer or a tagged failure.
type Result struct {
	Answer string
	Kind   Kind
	Err    error
}

// Failed tags err with the stage that produced it.
func Failed(kind Kind, err error) Result {
	return Result{Kind: kind, Err: err}
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Text is what the user sees: the answer, or the error message in its place.
func (r Result) Text() string {
	if r.Err == nil {
		return r.Answer
	}
	if msg := r.Err.Error(); msg != "" {
		return msg
	}
	return string(r.Kind) + " failed"
}

func (r Result) Message() string {
	return "Answer: " + r.Text()
}

func (r Result) outcome() string {
	if r.Err == nil {
		return "ok"
	}
	return string(r.Kind)
}
