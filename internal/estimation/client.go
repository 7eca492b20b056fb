package estimation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"meal-lens-backend/internal/models"

	"github.com/go-resty/resty/v2"
)

// ErrInvalidResponse marks a response that cannot be mapped onto an
// EstimationResult: missing macro fields, negative grams, confidence outside
// [0,1] or non-JSON content. Callers treat it as permanent, no coercion is
// attempted.
var ErrInvalidResponse = errors.New("invalid estimation response")

const systemPrompt = "You are a nutrition analyst. The images show one dish from " +
	"multiple angles. Estimate the nutrition of the whole dish once, not per image. " +
	"Respond with JSON only."

// Client calls an OpenAI-compatible vision endpoint to estimate meal nutrition
// from a set of photos.
type Client struct {
	http  *resty.Client
	model string
}

// NewClient creates an estimation client
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c, model: model}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

var resultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"protein_g":  {"type": "number"},
		"carbs_g":    {"type": "number"},
		"fats_g":     {"type": "number"},
		"confidence": {"type": "number"},
		"items": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name":      {"type": "string"},
					"protein_g": {"type": "number"},
					"carbs_g":   {"type": "number"},
					"fats_g":    {"type": "number"}
				},
				"required": ["name", "protein_g", "carbs_g", "fats_g"],
				"additionalProperties": false
			}
		}
	},
	"required": ["protein_g", "carbs_g", "fats_g", "confidence", "items"],
	"additionalProperties": false
}`)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// estimatePayload uses pointers so a missing macro field is distinguishable
// from an explicit zero.
type estimatePayload struct {
	ProteinG   *float64 `json:"protein_g"`
	CarbsG     *float64 `json:"carbs_g"`
	FatsG      *float64 `json:"fats_g"`
	Confidence *float64 `json:"confidence"`
}

// Estimate performs exactly one estimation call for the whole photo set. All
// images go into a single request so the model sees the dish from every angle
// at once instead of averaging per-photo guesses.
func (c *Client) Estimate(ctx context.Context, images [][]byte, caption string) (*models.EstimationResult, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images to analyze", ErrInvalidResponse)
	}

	parts := make([]contentPart, 0, len(images)+1)
	text := "Estimate the nutrition of this meal."
	if caption != "" {
		text = fmt.Sprintf("Estimate the nutrition of this meal. The user described it as: %q.", caption)
	}
	parts = append(parts, contentPart{Type: "text", Text: text})
	for _, img := range images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			},
		})
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: parts},
		},
		ResponseFormat: responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchema{Name: "meal_estimate", Strict: true, Schema: resultSchema},
		},
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("estimation request failed: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 {
			return nil, fmt.Errorf("%w: estimation endpoint returned %d", ErrInvalidResponse, resp.StatusCode())
		}
		return nil, fmt.Errorf("estimation endpoint returned %d", resp.StatusCode())
	}

	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}

	return parseResult([]byte(out.Choices[0].Message.Content), len(images))
}

// parseResult maps the model's JSON content onto an EstimationResult, with
// strict validation. Calories are derived from the macros, never trusted from
// the model.
func parseResult(content []byte, photoCount int) (*models.EstimationResult, error) {
	var p estimatePayload
	if err := json.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	if p.ProteinG == nil || p.CarbsG == nil || p.FatsG == nil || p.Confidence == nil {
		return nil, fmt.Errorf("%w: missing macro fields", ErrInvalidResponse)
	}
	if *p.ProteinG < 0 || *p.CarbsG < 0 || *p.FatsG < 0 {
		return nil, fmt.Errorf("%w: negative macro values", ErrInvalidResponse)
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence outside [0,1]", ErrInvalidResponse)
	}

	return &models.EstimationResult{
		Calories:       models.CaloriesFromMacros(*p.ProteinG, *p.CarbsG, *p.FatsG),
		ProteinG:       *p.ProteinG,
		CarbsG:         *p.CarbsG,
		FatsG:          *p.FatsG,
		Confidence:     *p.Confidence,
		PhotoCountUsed: photoCount,
	}, nil
}
