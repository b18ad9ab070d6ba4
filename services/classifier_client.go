// services/classifier_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"snapmap/logger"
)

// OtherLabels are the competing labels scored next to the expected one
var OtherLabels = []string{"background", "other", "unknown", "none"}

// Classifier scores how likely an image shows a label
type Classifier interface {
	ProbabilityOf(ctx context.Context, imageURL, label string) (float64, error)
}

// ClassifierClient calls the zero-shot image classification service
type ClassifierClient struct {
	BaseURL string
	Client  *http.Client
}

type classifyRequest struct {
	ImageURL        string   `json:"image_url"`
	CandidateLabels []string `json:"candidate_labels"`
}

type classifyResponse struct {
	Scores map[string]float64 `json:"scores"`
}

func NewClassifierClient(baseURL string) *ClassifierClient {
	return &ClassifierClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ProbabilityOf calls POST /classify with label and OtherLabels as candidates
// and returns the score of label, zero when the service omits it.
func (c *ClassifierClient) ProbabilityOf(ctx context.Context, imageURL, label string) (float64, error) {
	labels := append([]string(nil), OtherLabels...)
	found := false
	for _, l := range labels {
		if l == label {
			found = true
			break
		}
	}
	if !found {
		labels = append(labels, label)
	}

	jsonData, err := json.Marshal(classifyRequest{ImageURL: imageURL, CandidateLabels: labels})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/classify", bytes.NewReader(jsonData))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		logger.Named("classifier").Warn().Int("status", resp.StatusCode).Str("body", string(body)).Msg("[Classifier] /classify failed")
		return 0, fmt.Errorf("classifier returned %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode classifier response: %w", err)
	}
	return out.Scores[label], nil
}
