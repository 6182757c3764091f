package action

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
	"github.com/ethpandaops/impersonatoor/pkg/trajectory"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TrajectoryAppender is the store surface the dispatcher writes to.
type TrajectoryAppender interface {
	AppendTrajectoryMessage(
		ctx context.Context, runID string, role store.Role, content string,
	) (*store.TrajectoryMessage, error)
}

// Dispatcher performs test-website and chat-request actions.
type Dispatcher interface {
	// Execute runs the action and returns the tool output content without
	// recording it anywhere.
	Execute(ctx context.Context, run *store.Run, a Action) (string, error)
	// Dispatch runs the action and appends its outcome to the run's
	// trajectory as a tool_output entry.
	Dispatch(ctx context.Context, run *store.Run, a Action) (*store.TrajectoryMessage, error)
}

// Compile-time interface check.
var _ Dispatcher = (*dispatcher)(nil)

type dispatcher struct {
	log       logrus.FieldLogger
	appender  TrajectoryAppender
	chat      sut.ChatClient
	browser   sut.BrowserTester
	artifacts artifact.Store
}

// NewDispatcher creates a Dispatcher. artifacts may be nil, in which case
// screenshots are only kept inline in the trajectory.
func NewDispatcher(
	log logrus.FieldLogger,
	appender TrajectoryAppender,
	chat sut.ChatClient,
	browser sut.BrowserTester,
	artifacts artifact.Store,
) Dispatcher {
	return &dispatcher{
		log:       log.WithField("component", "dispatcher"),
		appender:  appender,
		chat:      chat,
		browser:   browser,
		artifacts: artifacts,
	}
}

// Target returns the system-under-test target of a run.
func Target(run *store.Run) sut.Target {
	return sut.Target{
		SystemVersion: run.SystemVersion,
		ProjectID:     run.ProjectID,
		Link:          run.Link,
	}
}

func (d *dispatcher) Execute(
	ctx context.Context, run *store.Run, a Action,
) (string, error) {
	switch a.Kind {
	case KindTestWebsite:
		return d.testWebsite(ctx, run, a.Payload)
	case KindChatRequest:
		resp, err := d.chat.Chat(ctx, Target(run), a.Payload)
		if err != nil {
			return "", err
		}

		return resp, nil
	case KindFinished:
		return "", fmt.Errorf("%s is not dispatchable", a.Kind)
	default:
		return "", fmt.Errorf("unknown action kind %s", a.Kind)
	}
}

func (d *dispatcher) Dispatch(
	ctx context.Context, run *store.Run, a Action,
) (*store.TrajectoryMessage, error) {
	content, err := d.Execute(ctx, run, a)
	if err != nil {
		return nil, fmt.Errorf("dispatching %s: %w", a.Kind, err)
	}

	msg, err := d.appender.AppendTrajectoryMessage(ctx, run.ID, store.RoleToolOutput, content)
	if err != nil {
		return nil, fmt.Errorf("recording %s output: %w", a.Kind, err)
	}

	return msg, nil
}

func (d *dispatcher) testWebsite(
	ctx context.Context, run *store.Run, instructions string,
) (string, error) {
	res, err := d.browser.TestWebsite(ctx, Target(run), instructions)
	if err != nil {
		return "", err
	}

	out := trajectory.ToolOutput{
		Result:     res.Result,
		Screenshot: res.Screenshot,
	}

	if res.Screenshot != "" && d.artifacts != nil {
		out.ScreenshotRef = d.archiveScreenshot(ctx, run.ID, res.Screenshot)
	}

	return trajectory.EncodeToolOutput(out)
}

// archiveScreenshot stores the screenshot and returns its key. Archival
// failures are logged and yield an empty key; the inline copy remains.
func (d *dispatcher) archiveScreenshot(
	ctx context.Context, runID, encoded string,
) string {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		d.log.WithError(err).WithField("run_id", runID).
			Warn("Screenshot is not valid base64, not archiving")

		return ""
	}

	key := artifact.ScreenshotKey(runID, uuid.NewString())

	ref, err := d.artifacts.Put(ctx, key, data, "image/png")
	if err != nil {
		d.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to archive screenshot")

		return ""
	}

	return ref
}
