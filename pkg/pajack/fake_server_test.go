package pajack

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type moveCall struct {
	Stream uint32
	Sink   uint32
}

// fakeServer is an in-memory sound server: loading a module that names a sink creates it
type fakeServer struct {
	mu sync.Mutex

	sinks   []SinkInfo
	inputs  []SinkInputInfo
	modules []ModuleInfo

	nextModule uint32
	nextSink   uint32

	loads   []ModuleInfo
	unloads []uint32
	moves   []moveCall

	failLoad       map[string]error
	failMove       error
	failListInputs error

	// channel count reported for the named sink regardless of the load args
	channelOverride map[string]int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		nextModule:      100,
		nextSink:        10,
		failLoad:        map[string]error{},
		channelOverride: map[string]int{},
	}
}

func parseModuleArgs(args string) map[string]string {
	out := map[string]string{}
	for _, field := range strings.Fields(args) {
		if k, v, ok := strings.Cut(field, "="); ok {
			out[k] = v
		}
	}

	return out
}

// addForeignSink registers a sink owned by a module this daemon never loaded
func (fs *fakeServer) addForeignSink(name string, module string, args string, channels int) SinkInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	mod := ModuleInfo{Index: fs.nextModule, Name: module, Args: args}
	fs.nextModule++
	fs.modules = append(fs.modules, mod)

	sink := SinkInfo{Name: name, Index: fs.nextSink, OwnerModule: mod.Index, ChannelCount: channels}
	fs.nextSink++
	fs.sinks = append(fs.sinks, sink)

	return sink
}

func (fs *fakeServer) addInput(stream uint32, sink uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.inputs = append(fs.inputs, SinkInputInfo{Index: stream, Sink: sink})
}

func (fs *fakeServer) removeInput(stream uint32) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	kept := fs.inputs[:0]
	for _, input := range fs.inputs {
		if input.Index != stream {
			kept = append(kept, input)
		}
	}
	fs.inputs = kept
}

func (fs *fakeServer) sinkByName(name string) (SinkInfo, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, sink := range fs.sinks {
		if sink.Name == name {
			return sink, true
		}
	}

	return SinkInfo{}, false
}

func (fs *fakeServer) moveCalls() []moveCall {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]moveCall(nil), fs.moves...)
}

func (fs *fakeServer) loadCalls() []ModuleInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]ModuleInfo(nil), fs.loads...)
}

func (fs *fakeServer) unloadCalls() []uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]uint32(nil), fs.unloads...)
}

func (fs *fakeServer) ListSinks() ([]SinkInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]SinkInfo(nil), fs.sinks...), nil
}

func (fs *fakeServer) ListSinkInputs() ([]SinkInputInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.failListInputs != nil {
		return nil, fs.failListInputs
	}

	return append([]SinkInputInfo(nil), fs.inputs...), nil
}

func (fs *fakeServer) ListModules() ([]ModuleInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return append([]ModuleInfo(nil), fs.modules...), nil
}

func (fs *fakeServer) LoadModule(name string, args string) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.failLoad[name]; err != nil {
		return 0, err
	}

	mod := ModuleInfo{Index: fs.nextModule, Name: name, Args: args}
	fs.nextModule++
	fs.modules = append(fs.modules, mod)
	fs.loads = append(fs.loads, mod)

	parsed := parseModuleArgs(args)
	if sinkName, ok := parsed["sink_name"]; ok {
		channels := 2
		if n, err := strconv.Atoi(parsed["channels"]); err == nil {
			channels = n
		}
		if n, ok := fs.channelOverride[sinkName]; ok {
			channels = n
		}

		fs.sinks = append(fs.sinks, SinkInfo{Name: sinkName, Index: fs.nextSink, OwnerModule: mod.Index, ChannelCount: channels})
		fs.nextSink++
	}

	return mod.Index, nil
}

func (fs *fakeServer) UnloadModule(index uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	found := false
	modules := fs.modules[:0]
	for _, mod := range fs.modules {
		if mod.Index == index {
			found = true
			continue
		}
		modules = append(modules, mod)
	}
	fs.modules = modules

	if !found {
		return fmt.Errorf("no module %d", index)
	}

	sinks := fs.sinks[:0]
	for _, sink := range fs.sinks {
		if sink.OwnerModule != index {
			sinks = append(sinks, sink)
		}
	}
	fs.sinks = sinks

	fs.unloads = append(fs.unloads, index)

	return nil
}

func (fs *fakeServer) MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.failMove != nil {
		return fs.failMove
	}

	fs.moves = append(fs.moves, moveCall{Stream: streamIndex, Sink: sinkIndex})

	for i := range fs.inputs {
		if fs.inputs[i].Index == streamIndex {
			fs.inputs[i].Sink = sinkIndex
			return nil
		}
	}
	fs.inputs = append(fs.inputs, SinkInputInfo{Index: streamIndex, Sink: sinkIndex})

	return nil
}

func (fs *fakeServer) Release() error {
	return nil
}

type fakeSubscription struct {
	events chan ServerEvent
	errs   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSubscription) Events() <-chan ServerEvent { return s.events }
func (s *fakeSubscription) Errors() <-chan error       { return s.errs }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeSubscriber hands out subscriptions; queued failures are returned first, one per call
type fakeSubscriber struct {
	mu       sync.Mutex
	failures []error
	attempts int

	subscribed chan *fakeSubscription
}

func newFakeSubscriber(failures ...error) *fakeSubscriber {
	return &fakeSubscriber{
		failures:   failures,
		subscribed: make(chan *fakeSubscription, 8),
	}
}

func (fs *fakeSubscriber) failNext(errs ...error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.failures = append(fs.failures, errs...)
}

func (fs *fakeSubscriber) attemptCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.attempts
}

func (fs *fakeSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	fs.mu.Lock()
	fs.attempts++

	if len(fs.failures) > 0 {
		err := fs.failures[0]
		fs.failures = fs.failures[1:]
		fs.mu.Unlock()

		return nil, err
	}
	fs.mu.Unlock()

	sub := &fakeSubscription{
		events: make(chan ServerEvent, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}

	fs.subscribed <- sub

	return sub, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.titles)
}
