package pajack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestToastNotifierSilentUntilEnabled(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	notifier, err := NewToastNotifier(zap.New(core).Sugar())
	assert.NoError(t, err)

	notifier.Notify("title", "message")

	assert.Equal(t, 1, logs.FilterMessage("Notifications disabled, not sending").Len())
	assert.Zero(t, logs.FilterMessage("Sending toast notification").Len())
}
