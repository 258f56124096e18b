package llm

import (
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	// ErrNoJSON is returned when no JSON object can be recovered from model text.
	ErrNoJSON = errors.New("no JSON object in model output")
	// ErrUnbalancedJSON is returned when the first object never closes or its
	// brackets do not pair up, which is what a cut-off generation looks like.
	ErrUnbalancedJSON = errors.New("model output has an unterminated or unbalanced JSON object")
)

// ExtractJSON recovers the first JSON object from model output. It strips
// Markdown code fences and surrounding prose, and repairs minor syntax
// faults such as trailing commas or single quotes. An object that is not
// closed is rejected rather than completed.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(stripFences(text))
	if s == "" {
		return "", ErrNoJSON
	}

	obj, err := firstObject(s)
	if err != nil {
		return "", err
	}

	repaired, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		return "", errors.Join(ErrNoJSON, err)
	}
	if !strings.HasPrefix(strings.TrimSpace(repaired), "{") {
		return "", ErrNoJSON
	}
	return repaired, nil
}

// firstObject returns the text from the first '{' to its matching '}'.
// Braces and brackets inside strings are ignored. A single quote opens a
// string only where a key or value may start.
func firstObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	var (
		closers []byte
		quote   byte
		escaped bool
		prev    byte
	)
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
				prev = c
			}
			continue
		}

		switch c {
		case '"':
			quote = c
		case '\'':
			if strings.IndexByte("{[,:", prev) >= 0 {
				quote = c
			}
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) == 0 || closers[len(closers)-1] != c {
				return "", ErrUnbalancedJSON
			}
			closers = closers[:len(closers)-1]
			if len(closers) == 0 {
				return s[start : i+1], nil
			}
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			prev = c
		}
	}
	return "", ErrUnbalancedJSON
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}
