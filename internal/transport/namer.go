package transport

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/msageha/fetchd/internal/model"
)

const maxFileNameLen = 200

var (
	invalidNameChars = strings.NewReplacer(
		"<", "", ">", "", ":", "", `"`, "", "|", "", "?", "", "*", "", "/", "", `\`, "", "\x00", "",
	)
	repeatedDots   = regexp.MustCompile(`\.{2,}`)
	repeatedSpaces = regexp.MustCompile(`\s+`)
)

// DeriveFileName returns the last path segment of rawURL, or fallback when
// the URL has none. The query string is discarded.
func DeriveFileName(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return fallback
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return fallback
	}
	return name
}

// SanitizeFileName strips characters that are unsafe in file names, collapses
// runs of dots and whitespace, and caps the length while keeping the
// extension.
func SanitizeFileName(name string) string {
	name = invalidNameChars.Replace(name)
	name = repeatedDots.ReplaceAllString(name, ".")
	name = repeatedSpaces.ReplaceAllString(name, " ")
	name = strings.Trim(name, " .")
	if len(name) > maxFileNameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxFileNameLen {
			ext = ""
		}
		name = name[:maxFileNameLen-len(ext)] + ext
	}
	return name
}

// URLNamer resolves http(s) sources to a destination under Root and learns
// the size from a HEAD request. Files of different owners go to separate
// subdirectories.
type URLNamer struct {
	Root      string
	Client    *http.Client
	UserAgent string
}

func (n *URLNamer) Resolve(ctx context.Context, owner, source string) (string, int64, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", 0, fmt.Errorf("%w: unsupported source %q", model.ErrInvalidSpec, source)
	}

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}
	if n.UserAgent != "" {
		req.Header.Set("User-Agent", n.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("head %s: %w", u.Host, err)
	}
	resp.Body.Close()

	var size int64
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if resp.ContentLength > 0 {
			size = resp.ContentLength
		}
	case resp.StatusCode == http.StatusMethodNotAllowed:
		// some servers only answer GET; size stays unknown
	default:
		return "", 0, fmt.Errorf("%w: head %s: %s", model.ErrInvalidSpec, u.Host, resp.Status)
	}

	name := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, perr := mime.ParseMediaType(cd); perr == nil {
			name = params["filename"]
		}
	}
	if name == "" {
		name = DeriveFileName(source, "")
	}
	name = SanitizeFileName(name)
	if name == "" {
		name = SanitizeFileName("download_" + u.Hostname())
	}

	dir := n.Root
	if o := SanitizeFileName(owner); o != "" {
		dir = filepath.Join(dir, o)
	}
	return filepath.Join(dir, name), size, nil
}
