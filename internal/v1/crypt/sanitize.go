package crypt

import (
	"regexp"
	"strings"
)

var (
	usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)

	// Latin-1 runs are the usual footprint of UTF-8 decoded as cp1252.
	mojibakeLatinRe = regexp.MustCompile(`[\x{00C3}-\x{00FF}]{2,}`)

	// Fragments of common Korean UI strings after a round-trip through the
	// wrong codec. Their presence means the text already lost its encoding.
	mojibakeHintTokens = []string{
		"濡쒓렇", "꾩슂", "뺤옣", "먯꽌", "룞", "몄씠", "⑸땲", "뒿", "媛뺥",
		"앹꽦", "怨듭", "뚯씪", "紐낆쓽", "쒖냼", "먮룞", "쒕쾭", "곗씠",
	}
)

// ValidateUsername reports whether a username is 3-20 chars of [A-Za-z0-9_].
func ValidateUsername(username string) bool {
	if len(username) < 3 || len(username) > 20 {
		return false
	}
	return usernameRe.MatchString(username)
}

// SanitizeInput clamps text to maxLength runes, strips HTML tags, and trims
// surrounding whitespace.
func SanitizeInput(text string, maxLength int) string {
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) > maxLength {
		text = string(runes[:maxLength])
	}
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// LooksGarbled heuristically detects strings that lost their encoding on the
// way in. Garbled user-visible messages get replaced rather than shipped.
func LooksGarbled(text string) bool {
	if text == "" {
		return false
	}
	for _, token := range mojibakeHintTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	if mojibakeLatinRe.MatchString(text) {
		return true
	}
	if strings.Count(text, "?") >= 2 {
		for _, r := range text {
			if r > 127 {
				return true
			}
		}
	}
	return false
}

// SafeClientMessage returns message unless it looks garbled, in which case
// the fallback is returned.
func SafeClientMessage(message, fallback string) string {
	if LooksGarbled(message) {
		return fallback
	}
	return message
}
