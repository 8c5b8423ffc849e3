package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Resolver turns a streaming-platform page URL into a direct media URL
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (string, error)
}

// YTDLPResolver resolves platform URLs with the yt-dlp command line tool
type YTDLPResolver struct {
	Path    string
	Format  string
	Timeout time.Duration
}

// NewYTDLPResolver creates a resolver using yt-dlp from PATH
func NewYTDLPResolver() *YTDLPResolver {
	return &YTDLPResolver{
		Path:    "yt-dlp",
		Format:  "best[ext=mp4]/best",
		Timeout: 30 * time.Second,
	}
}

// Resolve implements Resolver
func (r *YTDLPResolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Path, "-g", "-f", r.Format, "--no-playlist", pageURL)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("yt-dlp failed for %s: %v: %s", pageURL, err, strings.TrimSpace(stderr.String()))
	}

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "http") {
			return line, nil
		}
	}
	return "", fmt.Errorf("yt-dlp returned no media URL for %s", pageURL)
}
