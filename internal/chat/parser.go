package chat

import (
	"regexp"
	"strings"
)

// MaxChoices is the number of model proposed choices kept per reply.
const MaxChoices = 4

var enumerationPrefix = regexp.MustCompile(`^\d+\.\s*`)

// Reply is one parsed character turn.
type Reply struct {
	Message string
	Choices []string
}

// ParseReply splits raw model output into the character message (first
// non-blank line) and up to MaxChoices choices (the following non-blank
// lines, stripped of any "N." enumeration). Lines past the fifth are dropped.
// A line holding only an enumeration keeps its slot as an empty choice so
// later choices keep their index.
func ParseReply(raw string) (Reply, error) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return Reply{}, ErrEmptyResponse
	}

	reply := Reply{Message: lines[0]}
	rest := lines[1:]
	if len(rest) > MaxChoices {
		rest = rest[:MaxChoices]
	}
	for _, line := range rest {
		choice := strings.TrimSpace(enumerationPrefix.ReplaceAllString(line, ""))
		reply.Choices = append(reply.Choices, choice)
	}
	return reply, nil
}
