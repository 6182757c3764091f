package sut

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// TestResult is the outcome of one browser test.
type TestResult struct {
	Result string `json:"result"`
	// Screenshot is a base64 encoded PNG, empty when none was taken.
	Screenshot string `json:"screenshot,omitempty"`
}

// BrowserTester runs natural-language test instructions against a site.
type BrowserTester interface {
	TestWebsite(ctx context.Context, target Target, instructions string) (*TestResult, error)
}

// Compile-time interface check.
var _ BrowserTester = (*browserTester)(nil)

type browserTester struct {
	log  logrus.FieldLogger
	cfg  *config.BrowserTestingConfig
	http *http.Client
}

// NewBrowserTester creates a BrowserTester for the configured service.
func NewBrowserTester(
	log logrus.FieldLogger, cfg *config.BrowserTestingConfig,
) BrowserTester {
	return &browserTester{
		log:  log.WithField("component", "browser-tester"),
		cfg:  cfg,
		http: newHTTPClient(cfg.Timeout),
	}
}

type browserTestRequest struct {
	ProjectID     string `json:"project_id"`
	SystemVersion string `json:"system_version"`
	URL           string `json:"url,omitempty"`
	Instructions  string `json:"instructions"`
}

func (b *browserTester) TestWebsite(
	ctx context.Context, target Target, instructions string,
) (*TestResult, error) {
	if target.ProjectID == "" {
		return nil, fmt.Errorf("target has no project id")
	}

	start := time.Now()

	data, err := postJSON(ctx, b.http, b.cfg.Endpoint, b.cfg.Token, browserTestRequest{
		ProjectID:     target.ProjectID,
		SystemVersion: target.SystemVersion,
		URL:           target.Link,
		Instructions:  instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("running browser test: %w", err)
	}

	var result TestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding browser test result: %w", err)
	}

	b.log.WithFields(logrus.Fields{
		"project_id": target.ProjectID,
		"screenshot": result.Screenshot != "",
		"duration":   time.Since(start).String(),
	}).Debug("Browser test completed")

	return &result, nil
}
