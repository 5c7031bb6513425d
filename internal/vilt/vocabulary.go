package vilt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Vocabulary is the model's fixed answer table, indexed by logit position.
type Vocabulary struct {
	labels []string
	index  map[string]int
}

type modelConfig struct {
	ID2Label map[string]string `json:"id2label"`
}

// LoadVocabulary reads the id2label table from a transformers config.json.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	var cfg modelConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode model config: %w", err)
	}
	if len(cfg.ID2Label) == 0 {
		return nil, errors.New("model config has no id2label table")
	}

	labels := make([]string, len(cfg.ID2Label))
	seen := make([]bool, len(cfg.ID2Label))
	for key, label := range cfg.ID2Label {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("id2label key %q: %w", key, err)
		}
		if id < 0 || id >= len(labels) {
			return nil, fmt.Errorf("id2label key %d out of range [0,%d)", id, len(labels))
		}
		labels[id] = label
		seen[id] = true
	}
	for id, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("id2label is missing id %d", id)
		}
	}
	return NewVocabulary(labels), nil
}

func NewVocabulary(labels []string) *Vocabulary {
	v := &Vocabulary{
		labels: append([]string(nil), labels...),
		index:  make(map[string]int, len(labels)),
	}
	for i, label := range v.labels {
		if _, dup := v.index[label]; !dup {
			v.index[label] = i
		}
	}
	return v
}

func (v *Vocabulary) Len() int {
	return len(v.labels)
}

func (v *Vocabulary) Label(id int) (string, bool) {
	if id < 0 || id >= len(v.labels) {
		return "", false
	}
	return v.labels[id], true
}

func (v *Vocabulary) Index(label string) (int, bool) {
	id, ok := v.index[label]
	return id, ok
}
