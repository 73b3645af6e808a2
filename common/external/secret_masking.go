// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package external

import (
	"bytes"
	"strings"

	"github.com/lazyaf/engine/logstream"
)

// bufferedStreamWriter satisfies logstream.Writer over a plain buffer, so
// MaskString can run a whole string through the streaming replacer.
type bufferedStreamWriter struct {
	buf *bytes.Buffer
}

func newBufferedStreamWriter() *bufferedStreamWriter {
	return &bufferedStreamWriter{buf: &bytes.Buffer{}}
}

func (b *bufferedStreamWriter) Write(p []byte) (n int, err error) {
	return b.buf.Write(p)
}

func (b *bufferedStreamWriter) Open() error  { return nil }
func (b *bufferedStreamWriter) Start()       {}
func (b *bufferedStreamWriter) Close() error { return nil }
func (b *bufferedStreamWriter) Error() error { return nil }

// MaskString masks secrets in input — including the shell/JSON/URL-encoded
// variants the replacer derives, and the regex-detected token classes
// (tokens, JWTs, card numbers) that apply even with no secrets configured.
// If masking fails, the original input is returned rather than dropped.
func MaskString(input string, secrets []string) string {
	bufWriter := newBufferedStreamWriter()
	replacer := logstream.NewReplacer(bufWriter, secrets)
	if _, err := replacer.Write([]byte(input)); err != nil {
		return input
	}
	result := bufWriter.buf.String()

	// Fallback: if any secret is still present after masking, replace it directly
	for _, secret := range secrets {
		if secret != "" && strings.Contains(result, secret) {
			result = strings.ReplaceAll(result, secret, "**************")
		}
	}

	return result
}
