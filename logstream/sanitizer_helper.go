// Copyright 2025 Harness Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	// secretMask replaces any matched secret in a log line.
	secretMask = "**************"

	jwtRegex        = `[\w-]+\.[\w-]+\.[\w-]+`
	githubTokens    = `ghp_[a-zA-Z0-9]{1,50}`    // #nosec G101 -- This is a regex pattern, not a credential
	githubNewTokens = `github_pat_[a-zA-Z0-9_]+` // #nosec G101 -- This is a regex pattern, not a credential
	slackWebhook    = `T[a-zA-Z0-9_]{8}/B[a-zA-Z0-9_]{8,10}/[a-zA-Z0-9_]{24}`
	bearerTokens    = `Bearer\s+[A-Za-z0-9_\-.]+`    // #nosec G101 -- This is a regex pattern, not a credential
	basicTokens     = `Basic\s+[A-Za-z0-9_\-.\+/=]+` // #nosec G101 -- This is a regex pattern, not a credential
	gitlabToken     = `glpat-[A-Za-z0-9\-_]{20}`     // #nosec G101 -- This is a regex pattern, not a credential

	creditCardVisa       = `\b4\d{12}(?:\d{3})?\b`     // #nosec G101 -- This is a regex pattern, not a credential
	creditCardMastercard = `\b5[1-5]\d{14}\b`          // #nosec G101 -- This is a regex pattern, not a credential
	creditCardAmex       = `\b3[47]\d{13}\b`           // #nosec G101 -- This is a regex pattern, not a credential
	creditCardDiscover   = `\b6(?:011|5\d{2})\d{12}\b` // #nosec G101 -- This is a regex pattern, not a credential
	ssnPattern           = `\b\d{3}-\d{2}-\d{4}\b`
	bankAccountPattern   = `\b\d{8,17}\b`

	// sanitizePatternsFile holds operator-supplied extra patterns, one
	// regex per line.
	sanitizePatternsFile = "/etc/lazyaf/sanitize-patterns.txt"
)

var (
	// maskingPatterns is every pattern replaced outright with the mask.
	// Bearer/Basic are deliberately not in here: they get a prefix-keeping
	// pass of their own so the masked line still shows the auth scheme.
	maskingPatterns []*regexp.Regexp

	bearerPattern = regexp.MustCompile(bearerTokens)
	basicPattern  = regexp.MustCompile(basicTokens)

	// jwtPattern is used separately for JWT validation
	jwtPattern *regexp.Regexp

	// customPatternsLoaded guards against loading the same operator
	// patterns twice into one long-lived process.
	customPatternsLoaded bool
)

//nolint:gochecknoinits // patterns must be compiled before the first log line arrives
func init() {
	jwtPattern = regexp.MustCompile(jwtRegex)

	maskingPatterns = []*regexp.Regexp{
		regexp.MustCompile(githubTokens),
		regexp.MustCompile(githubNewTokens),
		regexp.MustCompile(slackWebhook),
		regexp.MustCompile(gitlabToken),
		regexp.MustCompile(creditCardVisa),
		regexp.MustCompile(creditCardMastercard),
		regexp.MustCompile(creditCardAmex),
		regexp.MustCompile(creditCardDiscover),
		regexp.MustCompile(ssnPattern),
		regexp.MustCompile(bankAccountPattern),
	}

	customPatterns := loadPatternsFromFile(sanitizePatternsFile)
	if len(customPatterns) > 0 {
		maskingPatterns = append(maskingPatterns, customPatterns...)
		customPatternsLoaded = true
	}
}

// SanitizeTokens masks tokens and other sensitive data in a log line using
// the built-in regex patterns plus any operator-supplied ones.
func SanitizeTokens(message string) string {
	if message == "" {
		return message
	}

	message = sanitizeJWTs(message)

	// Bearer/Basic keep their scheme prefix so the line stays readable.
	message = bearerPattern.ReplaceAllStringFunc(message, func(string) string {
		return "Bearer " + secretMask
	})
	message = basicPattern.ReplaceAllStringFunc(message, func(string) string {
		return "Basic " + secretMask
	})

	for _, pattern := range maskingPatterns {
		message = pattern.ReplaceAllString(message, secretMask)
	}

	return message
}

// sanitizeJWTs masks only strings that structurally parse as a JWT, so
// dotted version strings and the like survive.
func sanitizeJWTs(message string) string {
	matches := jwtPattern.FindAllString(message, -1)

	for _, match := range matches {
		if isValidJWT(match) {
			message = strings.ReplaceAll(message, match, secretMask)
		}
	}

	return message
}

func isValidJWT(tokenString string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	_, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	return err == nil
}

// loadPatternsFromFile reads regex patterns from a file, one per line.
// A missing file is not an error; the built-in patterns still apply.
func loadPatternsFromFile(filename string) []*regexp.Regexp {
	file, err := os.Open(filename)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.WithError(err).WithField("file", filename).Debug("could not open sanitize patterns file")
		}
		return []*regexp.Regexp{}
	}
	defer file.Close()

	var patterns []*regexp.Regexp
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		pattern, err := regexp.Compile(line)
		if err != nil {
			logrus.WithError(err).WithField("pattern", line).Warn("invalid regex pattern in sanitize file, skipping")
			continue
		}

		patterns = append(patterns, pattern)
	}

	if err := scanner.Err(); err != nil {
		logrus.WithError(err).WithField("file", filename).Error("error reading sanitize patterns file")
		return []*regexp.Regexp{}
	}

	logrus.WithField("file", filename).WithField("patterns_count", len(patterns)).Info("loaded custom sanitize patterns")
	return patterns
}

// LoadCustomPatternsFromString loads extra patterns from string content,
// one regex per line; lines starting with "#" are comments. Loading is
// once per process.
func LoadCustomPatternsFromString(content string) error {
	if content == "" {
		return nil
	}

	if customPatternsLoaded {
		logrus.WithField("total_patterns", len(maskingPatterns)).
			Debug("custom patterns already loaded in this process, skipping reload")
		return nil
	}

	lines := strings.Split(content, "\n")
	patternsAdded := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pattern, err := regexp.Compile(line)
		if err != nil {
			logrus.WithError(err).WithField("pattern", line).Warn("invalid regex pattern, skipping")
			continue
		}

		maskingPatterns = append(maskingPatterns, pattern)
		patternsAdded++
	}

	if patternsAdded > 0 {
		customPatternsLoaded = true
		logrus.WithFields(logrus.Fields{
			"patterns_added": patternsAdded,
			"total_patterns": len(maskingPatterns),
		}).Info("dynamically loaded custom sanitize patterns from content")
	}

	return nil
}

// GetMaskingPatternsCount returns the number of active masking patterns.
func GetMaskingPatternsCount() int {
	return len(maskingPatterns)
}
