package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ssh":   true,
	"git":   true,
	"file":  true,
}

// scpLike matches git's [user@]host:path shorthand.
var scpLike = regexp.MustCompile(`^(?:[A-Za-z0-9._~-]+@)?[A-Za-z0-9.-]+:[^\s]+$`)

// ErrInvalidURL is wrapped by every ValidateURL failure.
var ErrInvalidURL = errors.New("invalid repository url")

// ValidateURL checks that raw is a repository location git could clone:
// a scheme URL, an scp-like address or an absolute local path.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if strings.HasPrefix(raw, "-") {
		return fmt.Errorf("%w: %q looks like an option", ErrInvalidURL, raw)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidURL, raw)
		}
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		if !allowedSchemes[strings.ToLower(u.Scheme)] {
			return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
		}
		if u.Scheme == "file" {
			if u.Path == "" {
				return fmt.Errorf("%w: file url without path", ErrInvalidURL)
			}
			return nil
		}
		if u.Host == "" {
			return fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
		}
		return nil
	}

	if filepath.IsAbs(raw) {
		return nil
	}

	// A colon before the first slash means scp-like syntax to git.
	colon := strings.Index(raw, ":")
	slash := strings.Index(raw, "/")
	if colon > 0 && (slash < 0 || colon < slash) && scpLike.MatchString(raw) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
}

// cloneSource returns the location handed to git. Absolute local paths are
// rewritten as file:// URLs so git uses the pack transport and reports
// object transfer progress; a plain path is cloned with hardlinks and no
// transfer phase at all.
func cloneSource(raw string) string {
	if strings.Contains(raw, "://") || !filepath.IsAbs(raw) {
		return raw
	}
	p := filepath.ToSlash(raw)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// redactURL strips userinfo passwords so errors and logs never carry them.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
