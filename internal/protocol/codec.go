package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmptyOutput: the publisher printed nothing usable.
	ErrEmptyOutput = errors.New("publisher produced no output on stdout")
	// ErrInvalidJSON: the last stdout line is not a result object.
	ErrInvalidJSON = errors.New("publisher result is not a valid JSON object")
)

// EncodeDescriptor serializes the job descriptor for EnvJob.
func EncodeDescriptor(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode descriptor: %w", err)
	}
	return string(data), nil
}

// LastLine returns the last non-blank line of out, trimmed.
func LastLine(out []byte) []byte {
	out = bytes.TrimRight(out, " \t\r\n")
	for len(out) > 0 {
		i := bytes.LastIndexByte(out, '\n')
		line := bytes.TrimSpace(out[i+1:])
		if len(line) > 0 {
			return line
		}
		if i < 0 {
			break
		}
		out = out[:i]
	}
	return nil
}

// ParseResult decodes the publisher's result from its full stdout. Progress
// lines before the last one are ignored.
func ParseResult(stdout []byte) (*Result, error) {
	line := LastLine(stdout)
	if len(line) == 0 {
		return nil, ErrEmptyOutput
	}
	return ParseResultLine(line)
}

// ParseResultLine decodes a single result line. The ok field is required.
func ParseResultLine(line []byte) (*Result, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyOutput
	}
	if line[0] != '{' {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, truncate(line, 200))
	}
	var r Result
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if r.OK == nil {
		return nil, fmt.Errorf("%w: missing required field ok", ErrInvalidJSON)
	}
	return &r, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
