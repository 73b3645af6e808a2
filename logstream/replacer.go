// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"net/url"
	"regexp"
	"strings"
)

const maskedStr = "**************"

// minSecretLength keeps one-character fragments out of the replacer;
// masking those would shred ordinary output.
const minSecretLength = 2

// replacer masks configured secrets — and the shell/JSON/URL-shaped
// variants a secret takes on by the time it reaches a log line — plus the
// regex-detected token classes from SanitizeTokens, on every write, before
// the bytes reach the wrapped Writer.
type replacer struct {
	w Writer
	r *strings.Replacer
}

// NewReplacer wraps w so that every write is masked. Variant masking is
// always on: a secret configured as `"x"` is also caught when it appears
// unquoted, URL-encoded, or as a whitespace-compacted JSON blob, and the
// built-in token regexes (SanitizeTokens) apply even with no secrets
// configured at all.
func NewReplacer(w Writer, secrets []string) Writer {
	var oldnew []string
	uniq := make(map[string]bool)

	for _, secret := range secrets {
		for _, part := range strings.Split(secret, "\n") {
			part = strings.TrimSpace(part)
			if len(part) < minSecretLength {
				continue
			}
			for _, variant := range createSecretVariants(part) {
				if len(variant) >= minSecretLength && !uniq[variant] {
					uniq[variant] = true
					oldnew = append(oldnew, variant, maskedStr)
				}
			}
		}
	}

	r := &replacer{w: w}
	if len(oldnew) > 0 {
		r.r = strings.NewReplacer(oldnew...)
	}
	return r
}

// Write masks p and forwards it to the base writer. The returned count is
// len(p): callers track their own progress, not the masked length.
func (r *replacer) Write(p []byte) (n int, err error) {
	line := string(p)
	if r.r != nil {
		line = r.r.Replace(line)
	}
	line = SanitizeTokens(line)
	_, err = r.w.Write([]byte(line))
	return len(p), err
}

// Open opens the base writer.
func (r *replacer) Open() error { return r.w.Open() }

func (r *replacer) Start() { r.w.Start() }

// Close closes the base writer.
func (r *replacer) Close() error { return r.w.Close() }

func (r *replacer) Error() error { return r.w.Error() }

var (
	shellVarPattern = regexp.MustCompile(`\$\w+`)
	shellCmdPattern = regexp.MustCompile("`[^`]+`")
)

// createSecretVariants returns the forms a secret may take on by the time
// it shows up in command output: quote-stripped (shell and JSON unwrap
// quoting), shell-expanded (variables and command substitutions replaced),
// JSON-compacted, and URL-encoded. The original always comes first.
func createSecretVariants(original string) []string {
	variants := []string{original}
	if len(original) <= minSecretLength {
		return variants
	}

	uniq := map[string]bool{original: true}
	add := func(v string) {
		if len(v) > minSecretLength && !uniq[v] {
			uniq[v] = true
			variants = append(variants, v)
		}
	}

	if strings.Contains(original, `"`) {
		add(strings.ReplaceAll(original, `"`, ""))
	}
	if strings.Contains(original, "'") {
		add(strings.ReplaceAll(original, "'", ""))
	}
	if strings.Contains(original, `\"`) {
		add(strings.ReplaceAll(original, `\"`, ""))
	}

	if isLikelyJSONObject(original) {
		add(compactNonStringWhitespace(original))
	}

	if strings.Contains(original, "$") {
		add(shellVarPattern.ReplaceAllString(original, ""))
	}
	if strings.Contains(original, "`") {
		add(shellCmdPattern.ReplaceAllString(original, ""))
	}

	add(url.QueryEscape(original))
	add(strings.ReplaceAll(url.QueryEscape(original), "+", "%20"))
	add(url.PathEscape(original))

	return variants
}

// isLikelyJSONObject is a cheap structural check, not a parse: the variant
// builder only needs to know whether compaction is worth attempting.
func isLikelyJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 4 &&
		strings.HasPrefix(s, "{") &&
		strings.HasSuffix(s, "}") &&
		strings.Contains(s, `":`)
}

// compactNonStringWhitespace strips whitespace outside of string literals,
// turning a pretty-printed JSON secret into the compact form tools echo.
func compactNonStringWhitespace(jsonString string) string {
	var result strings.Builder
	inString := false

	for _, c := range jsonString {
		switch {
		case c == '"':
			if !inString {
				inString = true
			} else {
				// a preceding backslash means this quote is escaped
				pos := result.Len() - 1
				if pos >= 0 && result.String()[pos] != '\\' {
					inString = false
				}
			}
			result.WriteRune(c)
		case !inString && (c == ' ' || c == '\n' || c == '\t' || c == '\r'):
		default:
			result.WriteRune(c)
		}
	}

	return result.String()
}
