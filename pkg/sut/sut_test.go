package sut_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestChatClient_CreateProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Build me a todo app", body["description"])
		assert.Equal(t, "instant", body["mode"])

		_, _ = w.Write([]byte(`{"id":"p-1","link":"https://p-1.example"}`))
	}))
	defer srv.Close()

	c := sut.NewChatClient(testLogger(), &config.SystemUnderTestConfig{
		Token: "tok", Timeout: 5 * time.Second,
	})

	project, err := c.CreateProject(context.Background(), srv.URL+"/", "Build me a todo app")
	require.NoError(t, err)
	assert.Equal(t, "p-1", project.ID)
	assert.Equal(t, "https://p-1.example", project.Link)
}

func TestChatClient_CreateProjectWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := sut.NewChatClient(testLogger(), &config.SystemUnderTestConfig{})

	_, err := c.CreateProject(context.Background(), srv.URL, "x")
	require.Error(t, err)
}

func TestChatClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p-1/chat", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Add a dark mode", body["message"])
		assert.Equal(t, []any{}, body["images"])
		assert.Equal(t, "instant", body["mode"])

		_, _ = w.Write([]byte(`{"message":"done"}` + "\n"))
	}))
	defer srv.Close()

	c := sut.NewChatClient(testLogger(), &config.SystemUnderTestConfig{Token: "tok"})

	resp, err := c.Chat(context.Background(), sut.Target{
		SystemVersion: srv.URL,
		ProjectID:     "p-1",
	}, "Add a dark mode")
	require.NoError(t, err)
	assert.Equal(t, `{"message":"done"}`, resp)
}

func TestChatClient_ChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := sut.NewChatClient(testLogger(), &config.SystemUnderTestConfig{})

	_, err := c.Chat(context.Background(), sut.Target{
		SystemVersion: srv.URL,
		ProjectID:     "p-1",
	}, "hello")
	require.Error(t, err)

	var statusErr *sut.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)

	_, err = c.Chat(context.Background(), sut.Target{SystemVersion: srv.URL}, "hello")
	require.Error(t, err, "missing project id")
}

func TestBrowserTester_TestWebsite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "p-1", body["project_id"])
		assert.Equal(t, "https://p-1.example", body["url"])
		assert.Equal(t, "Click add", body["instructions"])

		_, _ = w.Write([]byte(`{"result":"Item added","screenshot":"aGVsbG8="}`))
	}))
	defer srv.Close()

	b := sut.NewBrowserTester(testLogger(), &config.BrowserTestingConfig{Endpoint: srv.URL})

	res, err := b.TestWebsite(context.Background(), sut.Target{
		SystemVersion: "https://sut.example",
		ProjectID:     "p-1",
		Link:          "https://p-1.example",
	}, "Click add")
	require.NoError(t, err)
	assert.Equal(t, "Item added", res.Result)
	assert.Equal(t, "aGVsbG8=", res.Screenshot)
}

func TestBrowserTester_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := sut.NewBrowserTester(testLogger(), &config.BrowserTestingConfig{Endpoint: srv.URL})

	_, err := b.TestWebsite(context.Background(), sut.Target{ProjectID: "p-1"}, "x")
	require.Error(t, err)
}
