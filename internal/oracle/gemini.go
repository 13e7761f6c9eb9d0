// ABOUTME: Gemini transport using google.golang.org/genai with a JSON response schema
// ABOUTME: Renders history and the capability manifest into a prompt and returns the model's JSON text

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const systemInstruction = `You assist a sales team replying to customers over WhatsApp.
Read the conversation and answer with a single JSON object:
{"reply_text": string, "actions": [{"type": string, "data": object, "confidence": number}], "metadata": {"intent": string, "sentiment": string}}
Only propose actions listed in the capability manifest. confidence is your certainty in [0,1].
Keep reply_text short and friendly. Use an empty actions array when nothing should be done.`

// GeminiTransport calls the Gemini API.
type GeminiTransport struct {
	client          *genai.Client
	model           string
	temperature     float32
	maxOutputTokens int32
}

// NewGeminiTransport creates a transport for the given API key and model.
func NewGeminiTransport(ctx context.Context, apiKey, model string) (*GeminiTransport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiTransport{
		client:          client,
		model:           model,
		temperature:     0.2,
		maxOutputTokens: 1024,
	}, nil
}

// Complete sends the rendered prompt and returns the concatenated text parts.
func (g *GeminiTransport) Complete(ctx context.Context, req *Request) ([]byte, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	temp := g.temperature
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   g.maxOutputTokens,
		ResponseMIMEType:  "application/json",
		ResponseSchema:    responseSchema(req.Manifest),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in gemini response")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	return []byte(text.String()), nil
}

// renderPrompt lays the manifest and history out as plain text for the model.
func renderPrompt(req *Request) (string, error) {
	manifest, err := json.Marshal(req.Manifest)
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}

	var b strings.Builder
	b.WriteString("# CAPABILITY MANIFEST\n")
	b.Write(manifest)
	b.WriteString("\n\n# CONVERSATION HISTORY\n")
	for _, turn := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Text)
	}
	return b.String(), nil
}

// responseSchema constrains the model output. Gemini rejects object schemas
// without properties, so action data lists every manifest field.
func responseSchema(manifest []Capability) *genai.Schema {
	dataFields := map[string]*genai.Schema{}
	var kinds []string
	for _, c := range manifest {
		kinds = append(kinds, c.Type)
		for _, f := range append(append([]string{}, c.Required...), c.Optional...) {
			dataFields[f] = &genai.Schema{Type: genai.TypeString, Nullable: boolPtr(true)}
		}
	}
	if len(dataFields) == 0 {
		dataFields["note"] = &genai.Schema{Type: genai.TypeString, Nullable: boolPtr(true)}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"reply_text": {
				Type:        genai.TypeString,
				Description: "Message to send back to the customer",
			},
			"actions": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"type": {Type: genai.TypeString, Enum: kinds},
						"data": {
							Type:        genai.TypeObject,
							Description: "Fields for the action, see the capability manifest",
							Properties:  dataFields,
						},
						"confidence": {Type: genai.TypeNumber},
					},
					Required: []string{"type", "data", "confidence"},
				},
			},
			"metadata": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"intent":    {Type: genai.TypeString},
					"sentiment": {Type: genai.TypeString},
				},
			},
		},
		Required:         []string{"reply_text", "actions"},
		PropertyOrdering: []string{"reply_text", "actions", "metadata"},
	}
}

func boolPtr(b bool) *bool {
	return &b
}
