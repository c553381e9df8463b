package pajack

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows a short message to whoever is sitting at the machine
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends desktop notifications. It stays silent until enabled,
// since a headless daemon usually has no one to show them to.
type ToastNotifier struct {
	logger  *zap.SugaredLogger
	enabled atomic.Bool
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	tn := &ToastNotifier{
		logger: logger,
	}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled turns notifications on or off
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.enabled.Store(enabled)
}

func (tn *ToastNotifier) Notify(title string, message string) {
	if !tn.enabled.Load() {
		tn.logger.Debugw("Notifications disabled, not sending", "title", title)
		return
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
