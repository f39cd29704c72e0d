package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"schednerd/internal/kg"
	"schednerd/internal/logging"
)

// TripletExtractor proposes additional triplets for a finding beyond what
// the rule tables produce.
type TripletExtractor interface {
	ExtractTriplets(ctx context.Context, query, response, reason string, max int) ([]kg.Triplet, error)
}

// GenAIExtractor extracts triplets with Google's Gemini API.
type GenAIExtractor struct {
	client *genai.Client
	model  string
}

// NewGenAIExtractor creates a Gemini-backed triplet extractor.
func NewGenAIExtractor(apiKey, model string) (*GenAIExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIExtractor{client: client, model: model}, nil
}

const tripletPrompt = `An AI assistant for IBM Workload Scheduler gave a wrong answer.

Question: %s
Wrong answer: %s
Why it is wrong: %s

List up to %d knowledge triplets describing what the answer got wrong.
One per line, formatted exactly as: subject | relation | object
The relation must be one of: INCORRECT_SOLUTION_FOR, SHOULD_NOT_USE_FOR, INCORRECT_ASSOCIATION, NOT_RELEVANT_TO, CONFUSION_WITH, DEPRECATED_INFO
Use scheduler object names (jobs, workstations, commands, error codes) as subject and object. No other text.`

// ExtractTriplets asks the model for pipe-separated triplet lines and
// keeps only the well-formed ones.
func (e *GenAIExtractor) ExtractTriplets(ctx context.Context, query, response, reason string, max int) ([]kg.Triplet, error) {
	if max <= 0 {
		max = defaultMaxLLMTriplets
	}
	prompt := fmt.Sprintf(tripletPrompt, query, response, reason, max)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	start := time.Now()
	result, err := e.client.Models.GenerateContent(ctx, e.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
	})
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		logging.OpsFor("audit").LLMCall(e.model, durationMs, false, err.Error())
		return nil, fmt.Errorf("GenAI triplet extraction failed: %w", err)
	}
	logging.OpsFor("audit").LLMCall(e.model, durationMs, true, "")

	return parseTripletLines(result.Text(), max), nil
}

// parseTripletLines reads "subject | relation | object" lines, ignoring
// malformed lines, bullets, and relations outside the error set.
func parseTripletLines(text string, max int) []kg.Triplet {
	var triplets []kg.Triplet
	for _, line := range strings.Split(text, "\n") {
		if len(triplets) >= max {
			break
		}
		line = stripListMarker(strings.TrimSpace(line))
		if line == "" {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) != 3 {
			continue
		}
		subject := strings.TrimSpace(parts[0])
		predicate := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(parts[1]), " ", "_"))
		object := strings.TrimSpace(parts[2])
		if subject == "" || object == "" || !kg.IsErrorRelation(predicate) {
			logging.AuditDebug("Ignoring LLM triplet line %q", line)
			continue
		}

		triplets = append(triplets, kg.Triplet{
			SubjectID:   subject,
			SubjectType: "unknown",
			Predicate:   predicate,
			ObjectID:    object,
			ObjectType:  "unknown",
		})
	}
	return triplets
}

// stripListMarker removes a leading bullet or "1." style numbering.
func stripListMarker(line string) string {
	trimmed := strings.TrimLeft(line, "-*• \t")
	i := 0
	for i < len(trimmed) && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i++
	}
	if i > 0 && i < len(trimmed) && (trimmed[i] == '.' || trimmed[i] == ')') {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSpace(trimmed)
}
