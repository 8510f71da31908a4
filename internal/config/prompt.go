package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	maxRemotePromptBytes = 2 * 1024 * 1024
	promptFetchTimeout   = 10 * time.Second
)

// LoadPrompt resolves a system prompt source to its text. src is either the
// prompt itself, an http(s) URL or a file:// path. Markdown files lose their
// YAML frontmatter.
func LoadPrompt(ctx context.Context, src string) (string, error) {
	if strings.HasPrefix(src, "https://") || strings.HasPrefix(src, "http://") {
		return fetchPrompt(ctx, src)
	}
	path, ok := strings.CutPrefix(src, "file://")
	if !ok {
		return src, nil
	}
	bts, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".md") {
		return string(bts), nil
	}
	return StripFrontmatter(string(bts))
}

func fetchPrompt(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, promptFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch prompt: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch prompt: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bts, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return "", fmt.Errorf("fetch prompt: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(bts)))
	}
	bts, err := io.ReadAll(io.LimitReader(resp.Body, maxRemotePromptBytes+1))
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	if len(bts) > maxRemotePromptBytes {
		return "", fmt.Errorf("read prompt: larger than %d bytes", maxRemotePromptBytes)
	}
	return string(bts), nil
}

// StripFrontmatter drops a leading YAML frontmatter block from markdown.
// The block must be valid YAML.
func StripFrontmatter(content string) (string, error) {
	lines := strings.Split(content, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return content, nil
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "---" {
			continue
		}
		var meta map[string]any
		if err := yaml.Unmarshal([]byte(strings.Join(lines[1:i], "\n")), &meta); err != nil {
			return "", fmt.Errorf("invalid prompt frontmatter: %w", err)
		}
		return strings.TrimLeft(strings.Join(lines[i+1:], "\n"), "\r\n"), nil
	}
	return "", fmt.Errorf("invalid prompt frontmatter: missing closing delimiter")
}
