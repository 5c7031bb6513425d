package hfinference

import (
	"fmt"
	"net/http"
)

type Answer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hf inference %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type vqaRequest struct {
	Inputs     vqaInputs     `json:"inputs"`
	Parameters vqaParameters `json:"parameters,omitempty"`
}

type vqaInputs struct {
	Image    string `json:"image"`
	Question string `json:"question"`
}

type vqaParameters struct {
	TopK int `json:"top_k,omitempty"`
}

type apiErrorBody struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}
