package comments

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([\w.-]+@[\w.-]+|[\w.-]+)`)

// ExtractMentions returns the collaborator emails mentioned in text as @email or
// @local-part, case-insensitively, once each in order of first mention.
func ExtractMentions(text string, collaboratorEmails []string) []string {
	var mentioned []string
	seen := make(map[string]struct{})
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		email, ok := matchCollaborator(match[1], collaboratorEmails)
		if !ok {
			continue
		}
		key := strings.ToLower(email)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		mentioned = append(mentioned, email)
	}
	return mentioned
}

func matchCollaborator(token string, emails []string) (string, bool) {
	for _, email := range emails {
		if email != "" && strings.EqualFold(email, token) {
			return email, true
		}
	}
	for _, email := range emails {
		localPart, _, found := strings.Cut(email, "@")
		if found && localPart != "" && strings.EqualFold(localPart, token) {
			return email, true
		}
	}
	return "", false
}
