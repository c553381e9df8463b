package pajack

import (
	"context"
	"fmt"
)

// SinkInfo describes one sink known to the sound server
type SinkInfo struct {
	Name         string
	Index        uint32
	OwnerModule  uint32
	ChannelCount int
}

// SinkInputInfo describes one playback stream and the sink it currently plays into
type SinkInputInfo struct {
	Index uint32
	Sink  uint32
}

// ModuleInfo describes one loaded server module
type ModuleInfo struct {
	Index uint32
	Name  string
	Args  string
}

// EventType is the lifecycle kind carried by a server notification
type EventType int

const (
	EventNew EventType = iota
	EventChange
	EventRemove
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventChange:
		return "change"
	case EventRemove:
		return "remove"
	}

	return fmt.Sprintf("type(%d)", int(t))
}

// Facility is the object class a server notification refers to
type Facility int

const (
	FacilityOther Facility = iota
	FacilitySink
	FacilitySource
	FacilitySinkInput
	FacilitySourceOutput
	FacilityModule
	FacilityClient
)

func (f Facility) String() string {
	switch f {
	case FacilitySink:
		return "sink"
	case FacilitySource:
		return "source"
	case FacilitySinkInput:
		return "sink_input"
	case FacilitySourceOutput:
		return "source_output"
	case FacilityModule:
		return "module"
	case FacilityClient:
		return "client"
	}

	return "other"
}

// ServerEvent is one notification read from the sound server's event feed
type ServerEvent struct {
	Type     EventType
	Facility Facility
	Index    uint32
}

// SoundServer is the control side of the sound server: listing, module loading and stream moves
type SoundServer interface {
	ListSinks() ([]SinkInfo, error)
	ListSinkInputs() ([]SinkInputInfo, error)
	ListModules() ([]ModuleInfo, error)

	LoadModule(name string, args string) (uint32, error)
	UnloadModule(index uint32) error

	MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error

	Release() error
}

// Subscription is a live notification feed. A transport failure arrives on Errors
// (at most one); events queued before it are still readable from Events.
type Subscription interface {
	Events() <-chan ServerEvent
	Errors() <-chan error

	Close() error
}

// Subscriber opens a new notification feed; every call is a fresh connection
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}
