package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"livesub/internal/bootstrap"
	"livesub/internal/config"
	"livesub/internal/domain"
	"livesub/internal/logging"
	"livesub/internal/ports"
	"livesub/internal/usecase"
)

// App owns the live session controller and the upload ingestor, and turns
// their lifecycle events into subscriber-facing status messages.
type App struct {
	ctx    context.Context
	notify ports.Notifier

	controller *usecase.SessionController
	uploads    *usecase.UploadIngestor
	cfg        config.Config
	bootErr    error
}

func NewApp(notify ports.Notifier) *App {
	return &App{notify: notify}
}

func (a *App) startup(ctx context.Context, cfg config.Config) (bootstrap.Services, error) {
	a.ctx = ctx
	a.cfg = cfg

	services, err := bootstrap.Build(cfg, a, a.notify)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return bootstrap.Services{}, err
	}

	a.controller = services.Controller
	a.uploads = services.Uploads
	a.SessionStateChanged(domain.SessionStateIdle, domain.SessionReasonReady)
	return services, nil
}

// StartLive starts live capture from device, replacing any running capture.
func (a *App) StartLive(_ context.Context, device string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Start(a.ctx, device)
}

// StopLive stops live capture. Stopping while idle is a no-op.
func (a *App) StopLive(ctx context.Context) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	if err := a.controller.Stop(ctx); err != nil {
		if errors.Is(err, usecase.ErrNoActiveSession) {
			return nil
		}
		a.SessionError(domain.ErrorCodeControl, err.Error())
		return err
	}
	return nil
}

// UploadStarting announces an incoming upload.
func (a *App) UploadStarting(ctx context.Context) {
	if a.requireReady() != nil {
		return
	}
	a.uploads.Starting(ctx)
}

// Upload processes an uploaded audio file in the background.
func (a *App) Upload(_ context.Context, payload []byte) {
	if err := a.requireReady(); err != nil {
		a.notify.Error(a.ctx, domain.OriginUpload, "Error processing audio: "+err.Error())
		return
	}
	id := a.uploads.Ingest(a.ctx, payload)
	logging.Infow("upload accepted", append(logging.SessionFields(id, string(domain.OriginUpload)), "bytes", len(payload))...)
}

// subscribersGone applies the stop-when-idle policy.
func (a *App) subscribersGone() {
	if !a.cfg.Session.StopWhenIdle || a.controller == nil {
		return
	}
	if a.controller.Status().State == domain.SessionStateIdle {
		return
	}
	logging.Infow("last subscriber left, stopping live capture")
	if err := a.StopLive(a.ctx); err != nil {
		logging.Warnw("stop on idle failed", "error", err)
	}
}

// GetStatus returns the current live capture status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateIdle, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle}
	}
	return a.controller.Status()
}

// GetRuntimeInfo returns non-sensitive config for logs and diagnostics.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	return map[string]string{
		"recognition":      strings.Join(a.cfg.Recognition, ","),
		"translation":      strings.Join(a.cfg.Translation, ","),
		"sourceLanguage":   a.cfg.Languages.Source,
		"targetLanguage":   a.cfg.Languages.Target,
		"workers":          strconv.Itoa(a.cfg.Pipeline.Workers),
		"rulesFile":        a.cfg.Rules.Path,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"interim":          strconv.FormatBool(a.cfg.Deepgram.Interim),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil || a.uploads == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// SessionStateChanged publishes settled live-capture transitions as status
// messages.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	logging.Infow("session state changed", "session.state", state, "session.reason", reason)
	if state == domain.SessionStateStarting || state == domain.SessionStateStopping {
		return
	}
	if msg := sessionReasonMessage(reason); msg != "" && a.notify != nil {
		a.notify.Status(a.context(), domain.OriginMic, msg)
	}
}

// SessionError publishes a live-capture error message.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	logging.Warnw("session error", "error.code", code, "error", detail)
	if a.notify == nil {
		return
	}
	a.notify.Error(a.context(), domain.OriginMic, errorMessage(code, detail))
}

func (a *App) context() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonReady:
		return "Ready."
	case domain.SessionReasonCaptureStarted:
		return "Live audio input active."
	case domain.SessionReasonCaptureRestarted:
		return "Live audio input restarted."
	case domain.SessionReasonCaptureStopped:
		return "Live audio input stopped."
	case domain.SessionReasonCaptureFailed:
		return "Live audio input lost."
	case domain.SessionReasonStartFailed:
		return "Live audio input could not start."
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	var label string
	switch code {
	case domain.ErrorCodeStartup:
		label = "Startup failed"
	case domain.ErrorCodeCaptureStart:
		label = "Could not start live audio"
	case domain.ErrorCodeCaptureStream:
		label = "Live audio capture error"
	case domain.ErrorCodeCaptureStop:
		label = "Live audio stop issue"
	case domain.ErrorCodeDecode:
		label = "Error processing audio"
	case domain.ErrorCodeControl:
		label = "Control error"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
	if detail == "" {
		return label
	}
	return label + ": " + detail
}
