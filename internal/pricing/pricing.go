package pricing

// Rate is the USD price per million tokens for one model.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var rates = map[string]Rate{
	"zai/glm-4.7":       {InputPerMillion: 0.50, OutputPerMillion: 1.50},
	"zai/glm-4.7-flash": {InputPerMillion: 0.10, OutputPerMillion: 0.30},
	"ollama/llama-4":    {InputPerMillion: 0, OutputPerMillion: 0},
}

// defaultRate is used for models without a known price.
var defaultRate = Rate{InputPerMillion: 0.50, OutputPerMillion: 1.50}

// Lookup returns the rate for a model, falling back to the default
// tier for unknown models.
func Lookup(model string) Rate {
	if r, ok := rates[model]; ok {
		return r
	}
	return defaultRate
}

// Cost estimates the USD cost of a call.
func Cost(model string, inputTokens, outputTokens int64) float64 {
	r := Lookup(model)
	return r.Price(inputTokens, outputTokens)
}

// Price computes the USD cost for the given token counts at this rate.
func (r Rate) Price(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1_000_000*r.InputPerMillion +
		float64(outputTokens)/1_000_000*r.OutputPerMillion
}
