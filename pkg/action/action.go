// Package action parses policy output into exactly one action and
// dispatches actions against the system under test.
package action

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the type of an action chosen by a policy.
type Kind int

// Action kinds.
const (
	KindTestWebsite Kind = iota + 1
	KindChatRequest
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindTestWebsite:
		return "test_website"
	case KindChatRequest:
		return "chat_request"
	case KindFinished:
		return "scenario_finished"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action tags.
const (
	TagTestWebsite      = "lov-test-website"
	TagChatRequest      = "lov-chat-request"
	TagScenarioFinished = "lov-scenario-finished"
)

var (
	// ErrNoAction is returned when the output carries no recognised tag.
	ErrNoAction = errors.New("no recognised action tag")
	// ErrAmbiguousAction is returned when the output carries more than one
	// action tag.
	ErrAmbiguousAction = errors.New("more than one action tag")
	// ErrEmptyPayload is returned for a test or chat tag with no content.
	ErrEmptyPayload = errors.New("action tag has empty content")
)

var (
	testWebsiteRe = regexp.MustCompile(`(?s)<` + TagTestWebsite + `>(.*?)</` + TagTestWebsite + `>`)
	chatRequestRe = regexp.MustCompile(`(?s)<` + TagChatRequest + `>(.*?)</` + TagChatRequest + `>`)
	finishedRe    = regexp.MustCompile(`<` + TagScenarioFinished + `\s*/>`)
)

// Action is a parsed policy decision. Payload holds the test instructions
// or the chat message and is empty for KindFinished.
type Action struct {
	Kind    Kind
	Payload string
}

// Parse extracts the single action from policy output. Prose around the
// tag is ignored.
func Parse(text string) (Action, error) {
	tests := testWebsiteRe.FindAllStringSubmatch(text, -1)
	chats := chatRequestRe.FindAllStringSubmatch(text, -1)
	finished := finishedRe.FindAllStringIndex(text, -1)

	total := len(tests) + len(chats) + len(finished)

	switch {
	case total == 0:
		return Action{}, ErrNoAction
	case total > 1:
		return Action{}, fmt.Errorf(
			"%w: %d test, %d chat, %d finished",
			ErrAmbiguousAction, len(tests), len(chats), len(finished),
		)
	}

	switch {
	case len(tests) == 1:
		return withPayload(KindTestWebsite, tests[0][1])
	case len(chats) == 1:
		return withPayload(KindChatRequest, chats[0][1])
	default:
		return Action{Kind: KindFinished}, nil
	}
}

// FindTestWebsite returns the instructions of a test-website tag, if any,
// ignoring other tags.
func FindTestWebsite(text string) (string, bool) {
	m := testWebsiteRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}

	payload := strings.TrimSpace(m[1])

	return payload, payload != ""
}

func withPayload(kind Kind, raw string) (Action, error) {
	payload := strings.TrimSpace(raw)
	if payload == "" {
		return Action{}, fmt.Errorf("%w: %s", ErrEmptyPayload, kind)
	}

	return Action{Kind: kind, Payload: payload}, nil
}
