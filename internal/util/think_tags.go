// Package util holds small text helpers shared by the generation and judge paths.
package util

import (
	"regexp"
	"strings"
)

// Precompiled regex patterns for think tag detection and extraction
var (
	// Matches various think/reasoning tag formats
	thinkTagRegex = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	// Matches Chinese reasoning tags (some Chinese models use these)
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)
	// Matches a reasoning block cut off by the token limit before it closed
	openThinkTagRegex = regexp.MustCompile(`(?i)<think(?:ing)?>[\s\S]*$`)
)

// ExtractThinkContent extracts only the content within think/reasoning tags
// Returns empty string if no think tags found
func ExtractThinkContent(response string) string {
	var thinkContent []string

	for _, re := range []*regexp.Regexp{thinkTagRegex, chineseThinkTagRegex} {
		for _, match := range re.FindAllStringSubmatch(response, -1) {
			if len(match) > 1 {
				thinkContent = append(thinkContent, strings.TrimSpace(match[1]))
			}
		}
	}

	return strings.Join(thinkContent, "\n\n")
}

// StripThinkTags removes reasoning blocks so only the final answer remains.
// Qwen3 models open every reply with one. An unterminated block runs to the
// end of the text and is removed too.
func StripThinkTags(response string) string {
	result := thinkTagRegex.ReplaceAllString(response, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")
	result = openThinkTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// SplitThinkAndAnswer splits response into thinking content and final answer
// Returns (thinkContent, answer)
func SplitThinkAndAnswer(response string) (string, string) {
	return ExtractThinkContent(response), StripThinkTags(response)
}
