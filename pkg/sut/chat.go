package sut

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// chatMode is sent with every project and chat request.
const chatMode = "instant"

// ChatClient drives the system-under-test's project API.
type ChatClient interface {
	// CreateProject starts a new project from an initial description.
	CreateProject(ctx context.Context, systemVersion, description string) (*Project, error)
	// Chat sends one message to a project and returns the raw response.
	Chat(ctx context.Context, target Target, message string) (string, error)
}

// Compile-time interface check.
var _ ChatClient = (*chatClient)(nil)

type chatClient struct {
	log  logrus.FieldLogger
	cfg  *config.SystemUnderTestConfig
	http *http.Client
}

// NewChatClient creates a ChatClient. The system version of each call is
// the base URL of the deployment under test.
func NewChatClient(
	log logrus.FieldLogger, cfg *config.SystemUnderTestConfig,
) ChatClient {
	return &chatClient{
		log:  log.WithField("component", "sut-chat"),
		cfg:  cfg,
		http: newHTTPClient(cfg.Timeout),
	}
}

type createProjectRequest struct {
	Description string `json:"description"`
	Mode        string `json:"mode"`
}

type chatRequest struct {
	Message string   `json:"message"`
	Images  []string `json:"images"`
	Mode    string   `json:"mode"`
}

func (c *chatClient) CreateProject(
	ctx context.Context, systemVersion, description string,
) (*Project, error) {
	endpoint := joinURL(systemVersion, "projects")

	data, err := postJSON(ctx, c.http, endpoint, c.cfg.Token, createProjectRequest{
		Description: description,
		Mode:        chatMode,
	})
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	var project Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("decoding project: %w", err)
	}

	if project.ID == "" {
		return nil, fmt.Errorf("project response has no id")
	}

	c.log.WithFields(logrus.Fields{
		"system_version": systemVersion,
		"project_id":     project.ID,
	}).Info("Created project")

	return &project, nil
}

func (c *chatClient) Chat(
	ctx context.Context, target Target, message string,
) (string, error) {
	if target.ProjectID == "" {
		return "", fmt.Errorf("target has no project id")
	}

	endpoint := joinURL(
		target.SystemVersion, "projects", url.PathEscape(target.ProjectID), "chat",
	)

	data, err := postJSON(ctx, c.http, endpoint, c.cfg.Token, chatRequest{
		Message: message,
		Images:  []string{},
		Mode:    chatMode,
	})
	if err != nil {
		return "", fmt.Errorf("sending chat message: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}
