// Package fakes provides in-memory doubles of the external services for
// tests.
package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
)

// ErrExhausted is returned by LLM once its scripted responses run out.
var ErrExhausted = errors.New("fake llm has no more responses")

var (
	_ llm.Client        = (*LLM)(nil)
	_ sut.ChatClient    = (*Chat)(nil)
	_ sut.BrowserTester = (*Browser)(nil)
	_ artifact.Store    = (*Artifacts)(nil)
)

// LLM replays scripted responses in order. When Respond is set it is used
// instead.
type LLM struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Respond   func(req llm.Request) (string, error)
	Requests  []llm.Request
}

// Complete implements llm.Client.
func (f *LLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, req)

	if f.Respond != nil {
		return f.Respond(req)
	}

	if f.Err != nil {
		return "", f.Err
	}

	if len(f.Responses) == 0 {
		return "", ErrExhausted
	}

	resp := f.Responses[0]
	f.Responses = f.Responses[1:]

	return resp, nil
}

// Calls returns the number of completions requested.
func (f *LLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Requests)
}

// Chat records chat messages and returns a fixed response.
type Chat struct {
	mu       sync.Mutex
	Response string
	Err      error
	Project  sut.Project
	Messages []string
	Created  []string
}

// CreateProject implements sut.ChatClient.
func (f *Chat) CreateProject(
	_ context.Context, _ string, description string,
) (*sut.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	f.Created = append(f.Created, description)
	p := f.Project

	return &p, nil
}

// Chat implements sut.ChatClient.
func (f *Chat) Chat(_ context.Context, _ sut.Target, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Messages = append(f.Messages, message)

	if f.Err != nil {
		return "", f.Err
	}

	return f.Response, nil
}

// Calls returns the number of chat messages sent.
func (f *Chat) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Messages)
}

// Browser records test instructions and returns a fixed result.
type Browser struct {
	mu           sync.Mutex
	Result       sut.TestResult
	Err          error
	Instructions []string
}

// TestWebsite implements sut.BrowserTester.
func (f *Browser) TestWebsite(
	_ context.Context, _ sut.Target, instructions string,
) (*sut.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Instructions = append(f.Instructions, instructions)

	if f.Err != nil {
		return nil, f.Err
	}

	r := f.Result

	return &r, nil
}

// Calls returns the number of tests run.
func (f *Browser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.Instructions)
}

// Artifacts is an in-memory artifact.Store.
type Artifacts struct {
	mu      sync.Mutex
	Err     error
	Objects map[string][]byte
}

// Put implements artifact.Store.
func (f *Artifacts) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return "", f.Err
	}

	if f.Objects == nil {
		f.Objects = make(map[string][]byte)
	}

	f.Objects[key] = append([]byte(nil), data...)

	return key, nil
}

// Get implements artifact.Store.
func (f *Artifacts) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Objects[key], nil
}
