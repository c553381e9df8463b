package pajack

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPASubscription(t *testing.T) *paSubscription {
	t.Helper()

	sub := newPASubscription(zaptest.NewLogger(t).Sugar(), nil, nil)
	t.Cleanup(func() { _ = sub.Close() })

	return sub
}

func TestPASubscriptionTranslatesEvents(t *testing.T) {
	sub := newTestPASubscription(t)

	sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew, Index: 7})
	sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventRemove, Index: 7})
	sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventChange, Index: 9})
	sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventNew | 0x3, Index: 3})
	sub.handleMessage("ignored")

	expected := []ServerEvent{
		{Type: EventNew, Facility: FacilitySinkInput, Index: 7},
		{Type: EventRemove, Facility: FacilitySinkInput, Index: 7},
		{Type: EventChange, Facility: FacilitySinkInput, Index: 9},
		{Type: EventNew, Facility: FacilitySourceOutput, Index: 3},
	}

	for _, want := range expected {
		select {
		case got := <-sub.Events():
			assert.Equal(t, want, got)
		default:
			t.Fatalf("missing event %+v", want)
		}
	}

	assert.Empty(t, sub.Events())
}

func TestPASubscriptionReportsClosedConnection(t *testing.T) {
	sub := newTestPASubscription(t)

	sub.handleMessage(&proto.ConnectionClosed{})
	sub.handleMessage(&proto.ConnectionClosed{})

	select {
	case err := <-sub.Errors():
		require.ErrorIs(t, err, errMonitorClosed)
	default:
		t.Fatal("closed connection was not reported")
	}

	assert.Empty(t, sub.Errors())
}

func TestPASubscriptionDropsEventsAfterClose(t *testing.T) {
	sub := newTestPASubscription(t)

	for i := 0; i < subscriptionBufferSize; i++ {
		sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew, Index: uint32(i)})
	}

	require.NoError(t, sub.Close())

	// a full buffer must not block the client's read loop once closed
	sub.handleMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew, Index: 99})
	assert.Len(t, sub.Events(), subscriptionBufferSize)
}

func TestTranslateFacility(t *testing.T) {
	tests := []struct {
		facility uint32
		want     Facility
	}{
		{0x0, FacilitySink},
		{0x1, FacilitySource},
		{uint32(proto.EventSinkSinkInput), FacilitySinkInput},
		{0x3, FacilitySourceOutput},
		{0x4, FacilityModule},
		{0x5, FacilityClient},
		{0x9, FacilityOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, translateFacility(tt.facility), "facility %#x", tt.facility)
	}
}
