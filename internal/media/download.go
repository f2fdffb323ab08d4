package media

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Albpenu/whisperweb/internal/apperr"
)

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", apperr.ErrInvalidURL, raw)
	}
	return u, nil
}

// Downloader extracts the best audio track of a video as mp3 using yt-dlp.
type Downloader struct {
	Dir    string
	Binary string // yt-dlp executable, looked up in $PATH when relative
}

// Download fetches the audio of rawURL into Dir. The returned Name is the
// video title.
func (d Downloader) Download(ctx context.Context, rawURL string) (Saved, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return Saved{}, err
	}
	bin := d.Binary
	if bin == "" {
		bin = "yt-dlp"
	}
	bin, err = exec.LookPath(bin)
	if err != nil {
		return Saved{}, fmt.Errorf("%w: yt-dlp not found: %v", apperr.ErrDownload, err)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return Saved{}, fmt.Errorf("create upload dir: %w", err)
	}

	id := uuid.NewString()
	tmpl := filepath.Join(d.Dir, id+".%(ext)s")
	cmd := exec.CommandContext(ctx, bin,
		"--no-playlist",
		"--no-progress",
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"-o", tmpl,
		"--no-simulate",
		"--print", "title",
		"--print", "after_move:filepath",
		"--", u.String(),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Info().Str("url", u.String()).Msg("media: downloading video audio")
	if err := cmd.Run(); err != nil {
		d.cleanup(id)
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return Saved{}, fmt.Errorf("%w: %v: %s", apperr.ErrDownload, err, msg)
	}

	var lines []string
	for _, l := range strings.Split(stdout.String(), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	title := id
	path := filepath.Join(d.Dir, id+".mp3")
	if len(lines) > 0 {
		title = lines[0]
	}
	if len(lines) > 1 {
		path = lines[len(lines)-1]
	}

	fi, err := os.Stat(path)
	if err != nil {
		d.cleanup(id)
		return Saved{}, fmt.Errorf("%w: output file missing: %v", apperr.ErrDownload, err)
	}
	_, format := SplitName(path)
	log.Info().Str("title", title).Str("path", path).Int64("bytes", fi.Size()).Msg("media: download complete")
	return Saved{Path: path, Name: title, Format: format, Size: fi.Size()}, nil
}

func (d Downloader) cleanup(id string) {
	matches, _ := filepath.Glob(filepath.Join(d.Dir, id+".*"))
	for _, m := range matches {
		os.Remove(m)
	}
}
