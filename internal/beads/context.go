package beads

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrMalformedContext indicates a context fence that starts correctly but
// does not parse as YAML/JSON.
var ErrMalformedContext = errors.New("beads: malformed context fence")

const (
	fenceOpen  = "---\n"
	fenceClose = "\n---\n"
)

// ParseContextFence splits a bead description into its context map and
// remaining free-text body. A description with no leading `---` fence has
// an empty context and is returned unchanged as the body.
func ParseContextFence(description string) (map[string]any, string, error) {
	if !bytes.HasPrefix([]byte(description), []byte(fenceOpen)) {
		return nil, description, nil
	}

	rest := description[len(fenceOpen):]
	parts := splitOnce(rest, fenceClose)
	if parts == nil {
		return nil, description, fmt.Errorf("%w: no closing fence", ErrMalformedContext)
	}

	var ctx map[string]any
	if err := yaml.Unmarshal([]byte(parts[0]), &ctx); err != nil {
		return nil, description, fmt.Errorf("%w: %v", ErrMalformedContext, err)
	}
	return ctx, parts[1], nil
}

// WriteContextFence renders a context map and body back into a single
// description string with a leading YAML fence. An empty context renders
// the body unchanged, with no fence.
func WriteContextFence(ctx map[string]any, body string) (string, error) {
	if len(ctx) == 0 {
		return body, nil
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("beads: encode context fence: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(fenceOpen)
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString(fenceClose)
	buf.WriteString(body)
	return buf.String(), nil
}

func splitOnce(s, sep string) []string {
	idx := bytes.Index([]byte(s), []byte(sep))
	if idx < 0 {
		return nil
	}
	return []string{s[:idx], s[idx+len(sep):]}
}
