package pajack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const subscriptionBufferSize = 64

var errMonitorClosed = errors.New("PulseAudio monitor connection closed")

type paSoundServer struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn
}

// paSubscriber opens one dedicated monitor connection per Subscribe call,
// separate from the connection used for control requests
type paSubscriber struct {
	logger *zap.SugaredLogger

	server     string
	clientName string
	timeout    time.Duration
	liveness   time.Duration
}

type paSubscription struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	events chan ServerEvent
	errs   chan error

	done      chan struct{}
	closeOnce sync.Once
}

func connectPulse(server string, clientName string, timeout time.Duration) (*proto.Client, net.Conn, error) {
	client, conn, err := proto.Connect(server)
	if err != nil {
		return nil, nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	client.SetTimeout(timeout)

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(clientName),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	return client, conn, nil
}

func newPASoundServer(logger *zap.SugaredLogger, server string, clientName string, timeout time.Duration) (*paSoundServer, error) {
	logger = logger.Named("pulse")

	client, conn, err := connectPulse(server, clientName+"-actor", timeout)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, err
	}

	ss := &paSoundServer{
		logger: logger,
		client: client,
		conn:   conn,
	}

	logger.Debugw("Created PA sound server instance", "server", server, "timeout", timeout)

	return ss, nil
}

func (ss *paSoundServer) ListSinks() ([]SinkInfo, error) {
	reply := proto.GetSinkInfoListReply{}

	if err := ss.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		ss.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sinks := make([]SinkInfo, 0, len(reply))
	for _, info := range reply {
		sinks = append(sinks, SinkInfo{
			Name:         info.SinkName,
			Index:        info.SinkIndex,
			OwnerModule:  info.ModuleIndex,
			ChannelCount: len(info.ChannelMap),
		})
	}

	return sinks, nil
}

func (ss *paSoundServer) ListSinkInputs() ([]SinkInputInfo, error) {
	reply := proto.GetSinkInputInfoListReply{}

	if err := ss.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		ss.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	inputs := make([]SinkInputInfo, 0, len(reply))
	for _, info := range reply {
		inputs = append(inputs, SinkInputInfo{
			Index: info.SinkInputIndex,
			Sink:  info.SinkIndex,
		})
	}

	return inputs, nil
}

func (ss *paSoundServer) ListModules() ([]ModuleInfo, error) {
	reply := proto.GetModuleInfoListReply{}

	if err := ss.client.Request(&proto.GetModuleInfoList{}, &reply); err != nil {
		ss.logger.Warnw("Failed to get module list", "error", err)
		return nil, fmt.Errorf("get module list: %w", err)
	}

	modules := make([]ModuleInfo, 0, len(reply))
	for _, info := range reply {
		modules = append(modules, ModuleInfo{
			Index: info.ModuleIndex,
			Name:  info.ModuleName,
			Args:  info.ModuleArgs,
		})
	}

	return modules, nil
}

func (ss *paSoundServer) LoadModule(name string, args string) (uint32, error) {
	reply := proto.LoadModuleReply{}

	if err := ss.client.Request(&proto.LoadModule{Name: name, Args: args}, &reply); err != nil {
		return 0, fmt.Errorf("load module %s: %w", name, err)
	}

	ss.logger.Debugw("Loaded module", "name", name, "index", reply.ModuleIndex)

	return reply.ModuleIndex, nil
}

func (ss *paSoundServer) UnloadModule(index uint32) error {
	if err := ss.client.Request(&proto.UnloadModule{ModuleIndex: index}, nil); err != nil {
		return fmt.Errorf("unload module %d: %w", index, err)
	}

	ss.logger.Debugw("Unloaded module", "index", index)

	return nil
}

func (ss *paSoundServer) MoveStreamToSink(streamIndex uint32, sinkIndex uint32) error {
	request := proto.MoveSinkInput{
		SinkInputIndex: streamIndex,
		DeviceIndex:    sinkIndex,
	}

	if err := ss.client.Request(&request, nil); err != nil {
		return fmt.Errorf("move sink input %d to sink %d: %w", streamIndex, sinkIndex, err)
	}

	return nil
}

func (ss *paSoundServer) Release() error {
	if err := ss.conn.Close(); err != nil {
		ss.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	ss.logger.Debug("Released PA sound server instance")

	return nil
}

func newPASubscriber(logger *zap.SugaredLogger, server string, clientName string, timeout time.Duration, liveness time.Duration) *paSubscriber {
	return &paSubscriber{
		logger:     logger.Named("pulse"),
		server:     server,
		clientName: clientName + "-monitor",
		timeout:    timeout,
		liveness:   liveness,
	}
}

func newPASubscription(logger *zap.SugaredLogger, client *proto.Client, conn net.Conn) *paSubscription {
	return &paSubscription{
		logger: logger,
		client: client,
		conn:   conn,
		events: make(chan ServerEvent, subscriptionBufferSize),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (ps *paSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	client, conn, err := connectPulse(ps.server, ps.clientName, ps.timeout)
	if err != nil {
		return nil, err
	}

	sub := newPASubscription(ps.logger, client, conn)
	client.Callback = sub.handleMessage

	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSinkInput}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio sink input events: %w", err)
	}

	go sub.watch(ctx, ps.liveness)

	ps.logger.Debug("Subscribed to sink input events")

	return sub, nil
}

// handleMessage runs on the client's read loop
func (sub *paSubscription) handleMessage(msg interface{}) {
	switch msg := msg.(type) {
	case *proto.SubscribeEvent:
		ev := ServerEvent{
			Type:     EventChange,
			Facility: translateFacility(uint32(msg.Event & proto.EventFacilityMask)),
			Index:    msg.Index,
		}

		switch msg.Event.GetType() {
		case proto.EventNew:
			ev.Type = EventNew
		case proto.EventRemove:
			ev.Type = EventRemove
		}

		select {
		case sub.events <- ev:
		case <-sub.done:
		}

	case *proto.ConnectionClosed:
		sub.fail(errMonitorClosed)
	}
}

// fail reports a transport failure; only the first one is kept
func (sub *paSubscription) fail(err error) {
	select {
	case sub.errs <- err:
	default:
	}
}

// watch closes the subscription on cancellation. The liveness probe catches a
// connection that stalls without being closed.
func (sub *paSubscription) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return

		case <-ctx.Done():
			_ = sub.Close()
			return

		case <-ticker.C:
			reply := proto.GetSinkInputInfoListReply{}
			if err := sub.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
				sub.logger.Debugw("Liveness probe failed", "error", err)
				sub.fail(fmt.Errorf("liveness probe: %w", err))

				return
			}
		}
	}
}

func (sub *paSubscription) Events() <-chan ServerEvent {
	return sub.events
}

func (sub *paSubscription) Errors() <-chan error {
	return sub.errs
}

func (sub *paSubscription) Close() error {
	var err error

	sub.closeOnce.Do(func() {
		close(sub.done)

		if sub.conn != nil {
			err = sub.conn.Close()
		}
	})

	return err
}

func translateFacility(facility uint32) Facility {
	switch facility {
	case uint32(proto.EventSinkSinkInput):
		return FacilitySinkInput
	case 0x0:
		return FacilitySink
	case 0x1:
		return FacilitySource
	case 0x3:
		return FacilitySourceOutput
	case 0x4:
		return FacilityModule
	case 0x5:
		return FacilityClient
	}

	return FacilityOther
}
