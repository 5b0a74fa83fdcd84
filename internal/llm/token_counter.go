package llm

import "strings"

// Encoding selects which per-model-family heuristic TokenCounter applies.
// There is no real BPE tokenizer wired in (no tiktoken-equivalent Go
// library appears anywhere in the corpus this module draws from), so
// every encoding uses the same character-based heuristic; the encoding
// only affects which family of models a TokenCounter reports itself as
// tuned for.
type Encoding string

const (
	EncodingCl100kBase Encoding = "cl100k_base"
	EncodingP50kBase   Encoding = "p50k_base"
)

// TokenCounter estimates token counts from text and message lists. It
// backs the response-budget reservation used by Compact.
type TokenCounter struct {
	encoding Encoding
}

// NewTokenCounter builds a counter for the default encoding.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encoding: EncodingCl100kBase}
}

// ForModel selects the encoding family a model name suggests.
func ForModel(model string) *TokenCounter {
	return &TokenCounter{encoding: detectEncoding(model)}
}

func detectEncoding(model string) Encoding {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "code-davinci"), strings.Contains(m, "code-cushman"):
		return EncodingP50kBase
	default:
		return EncodingCl100kBase
	}
}

// Count estimates the token count of a single string using the
// heuristic: ~1 token per 4 characters for non-CJK text, ~1.8 tokens
// per CJK character, with digits and punctuation weighted slightly
// differently to avoid undercounting dense numeric or symbolic text.
func (c *TokenCounter) Count(text string) int {
	return heuristicCount(text)
}

func heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	var total float64
	for _, r := range text {
		switch {
		case isCJK(r):
			total += 1.8
		case r >= '0' && r <= '9':
			total += 0.3
		case isWordChar(r):
			total += 0.25
		default:
			total += 0.5
		}
	}
	n := int(total)
	if n == 0 {
		n = 1
	}
	return n
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
	case r >= 0x3400 && r <= 0x4DBF:
	case r >= 0xF900 && r <= 0xFAFF:
	case r >= 0xFF00 && r <= 0xFFEF:
	case r >= 0x3040 && r <= 0x309F:
	case r >= 0x30A0 && r <= 0x30FF:
	default:
		return false
	}
	return true
}

// roleTokens is the fixed per-message overhead this heuristic charges
// for role framing, mirroring the per-role constants in the original
// token counter (system/user: 3, assistant: 4).
func roleTokens(role Role) int {
	switch role {
	case RoleAssistant:
		return 4
	default:
		return 3
	}
}

// CountMessage counts one message including its role overhead and, for
// multimodal messages, a small per-part marker overhead.
func (c *TokenCounter) CountMessage(m Message) int {
	total := roleTokens(m.Role)
	for _, p := range m.Parts {
		if p.IsImage {
			total += c.Count(p.ImageURL)
		} else {
			total += c.Count(p.Text)
		}
	}
	if len(m.Parts) > 1 {
		total += len(m.Parts) * 3
	}
	return total
}

// CountMessages sums CountMessage over every message.
func (c *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += c.CountMessage(m)
	}
	return total
}

// EstimateResponseTokens reserves budget for a model's reply: whatever
// is left in maxTokens after the prompt, but never less than 25% of
// maxTokens.
func (c *TokenCounter) EstimateResponseTokens(maxTokens int, messages []Message) int {
	used := c.CountMessages(messages)
	reserve := maxTokens - used
	if reserve < 0 {
		reserve = 0
	}
	minReserve := int(float64(maxTokens) * 0.25)
	if reserve < minReserve {
		return minReserve
	}
	return reserve
}
