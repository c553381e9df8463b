package pajack

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	channelMapStyleAux     = "aux"
	channelMapStyleDefault = "default"

	maxChannelBudget = 32

	noModule = math.MaxUint32
)

// named positions used for each slot's own channels, and for the master sink in "default" style
var defaultChannelPositions = []string{
	"front-left", "front-right",
	"rear-left", "rear-right",
	"lfe", "subwoofer",
	"side-left", "side-right",
}

// DeviceLayout names the devices the provisioner manages on the sound server
type DeviceLayout struct {
	MasterSinkName   string
	MasterSinkModule string
	MasterSinkArgs   string
	RemapModule      string
	SlotNamePrefix   string
	ChannelMapStyle  string
}

// Topology is the result of one provisioning run
type Topology struct {
	Generation    string
	ChannelBudget int
	Master        SinkInfo
	Slots         []Slot
}

// Provisioner creates the multi-channel master sink and its stereo remap slots
type Provisioner struct {
	logger *zap.SugaredLogger
	server SoundServer
	layout DeviceLayout
}

func NewProvisioner(logger *zap.SugaredLogger, server SoundServer, layout DeviceLayout) *Provisioner {
	logger = logger.Named("provisioner")

	pv := &Provisioner{
		logger: logger,
		server: server,
		layout: layout,
	}

	logger.Debugw("Created provisioner instance", "layout", layout)

	return pv
}

// ValidChannelBudget reports whether budget can be split into stereo slots
func ValidChannelBudget(budget int) bool {
	return budget >= 2 && budget <= maxChannelBudget && budget%2 == 0
}

// DefaultChannelMap returns n named positions starting at start, repeating the
// eight named positions when more are needed
func DefaultChannelMap(n, start int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = defaultChannelPositions[(start+i)%len(defaultChannelPositions)]
	}

	return out
}

// AuxChannelMap returns aux<start>..aux<start+n-1>
func AuxChannelMap(n, start int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("aux%d", start+i)
	}

	return out
}

// MasterChannelMap is the channel map the master sink is loaded with
func MasterChannelMap(style string, channels int) []string {
	if style == channelMapStyleDefault {
		return DefaultChannelMap(channels, 0)
	}

	return AuxChannelMap(channels, 0)
}

// SlotName is the deterministic sink name of slot i
func (pv *Provisioner) SlotName(i int) string {
	return fmt.Sprintf("%s_%d", pv.layout.SlotNamePrefix, i)
}

// Provision tears down whatever this daemon loaded before and builds a fresh master sink
// with channelBudget/2 stereo slots. There is no retry: reloading devices is audible.
func (pv *Provisioner) Provision(channelBudget int) (*Topology, error) {
	if !ValidChannelBudget(channelBudget) {
		return nil, &ProvisionError{Op: "validate channel budget", Err: fmt.Errorf("%d: %w", channelBudget, ErrInvalidChannelBudget)}
	}

	if pv.layout.ChannelMapStyle == channelMapStyleDefault && channelBudget > len(defaultChannelPositions) {
		pv.logger.Warnw("Named channel positions repeat past eight channels, slots beyond the fourth share master channels with earlier slots; use channel_map aux",
			"channelBudget", channelBudget,
			"namedPositions", len(defaultChannelPositions))
	}

	generation := uuid.NewString()
	pv.logger.Infow("Provisioning devices",
		"generation", generation,
		"channelBudget", channelBudget,
		"masterSink", pv.layout.MasterSinkName)

	if err := pv.Teardown(); err != nil {
		return nil, err
	}

	master, err := pv.loadMaster(channelBudget)
	if err != nil {
		return nil, err
	}

	masterMap := MasterChannelMap(pv.layout.ChannelMapStyle, channelBudget)
	slotCount := channelBudget / 2
	modules := make([]uint32, slotCount)

	for i := 0; i < slotCount; i++ {
		args := pv.remapArgs(i, masterMap)

		pv.logger.Debugw("Loading remap slot", "slot", i, "module", pv.layout.RemapModule, "args", args)

		idx, err := pv.server.LoadModule(pv.layout.RemapModule, args)
		if err != nil {
			pv.logger.Warnw("Failed to load remap slot", "slot", i, "error", err)
			return nil, &ProvisionError{Op: fmt.Sprintf("load slot %d", i), Err: err}
		}

		modules[i] = idx
	}

	sinks, err := pv.server.ListSinks()
	if err != nil {
		return nil, &ProvisionError{Op: "list sinks", Err: err}
	}

	byModule := make(map[uint32]SinkInfo, len(sinks))
	for _, sink := range sinks {
		byModule[sink.OwnerModule] = sink
	}

	slots := make([]Slot, slotCount)
	for i, module := range modules {
		sink, ok := byModule[module]
		if !ok {
			return nil, &ProvisionError{
				Op:  fmt.Sprintf("find slot %d sink", i),
				Err: fmt.Errorf("module %d owns no sink", module),
			}
		}

		slots[i] = Slot{
			Index:          i,
			Name:           pv.SlotName(i),
			Handle:         SlotHandle(sink.Index),
			Module:         module,
			MasterChannels: [2]int{2 * i, 2*i + 1},
			Stream:         NoStream,
		}
	}

	pv.logger.Infow("Provisioned devices",
		"generation", generation,
		"masterSinkIndex", master.Index,
		"slots", slotCount)

	return &Topology{
		Generation:    generation,
		ChannelBudget: channelBudget,
		Master:        master,
		Slots:         slots,
	}, nil
}

// Teardown unloads our remap slots and then the master sink. Devices that aren't there are skipped.
func (pv *Provisioner) Teardown() error {
	if err := pv.TeardownSlots(); err != nil {
		return err
	}

	sinks, err := pv.server.ListSinks()
	if err != nil {
		return &ProvisionError{Op: "list sinks", Err: err}
	}

	for _, sink := range sinks {
		if sink.Name != pv.layout.MasterSinkName {
			continue
		}

		if sink.OwnerModule == noModule {
			pv.logger.Warnw("Master sink has no owner module, leaving it loaded", "sink", sink.Name)
			continue
		}

		pv.logger.Debugw("Unloading master sink", "sink", sink.Name, "module", sink.OwnerModule)

		if err := pv.server.UnloadModule(sink.OwnerModule); err != nil {
			return &ProvisionError{Op: "unload master sink", Err: err}
		}
	}

	return nil
}

// TeardownSlots unloads only the remap modules this daemon created
func (pv *Provisioner) TeardownSlots() error {
	modules, err := pv.server.ListModules()
	if err != nil {
		return &ProvisionError{Op: "list modules", Err: err}
	}

	unloaded := 0
	for _, module := range modules {
		if !pv.ownsRemapModule(module) {
			continue
		}

		if err := pv.server.UnloadModule(module.Index); err != nil {
			return &ProvisionError{Op: fmt.Sprintf("unload remap module %d", module.Index), Err: err}
		}

		unloaded++
	}

	if unloaded > 0 {
		pv.logger.Debugw("Unloaded remap slots", "count", unloaded)
	}

	return nil
}

func (pv *Provisioner) loadMaster(channels int) (SinkInfo, error) {
	args := pv.masterArgs(channels)

	pv.logger.Debugw("Loading master sink", "module", pv.layout.MasterSinkModule, "args", args)

	if _, err := pv.server.LoadModule(pv.layout.MasterSinkModule, args); err != nil {
		pv.logger.Warnw("Failed to load master sink", "error", err)
		return SinkInfo{}, &ProvisionError{Op: "load master sink", Err: err}
	}

	sinks, err := pv.server.ListSinks()
	if err != nil {
		return SinkInfo{}, &ProvisionError{Op: "list sinks", Err: err}
	}

	for _, sink := range sinks {
		if sink.Name != pv.layout.MasterSinkName {
			continue
		}

		if sink.ChannelCount != channels {
			return SinkInfo{}, &ProvisionError{
				Op:  "verify master sink",
				Err: fmt.Errorf("%s has %d channels, want %d", sink.Name, sink.ChannelCount, channels),
			}
		}

		return sink, nil
	}

	return SinkInfo{}, &ProvisionError{
		Op:  "find master sink",
		Err: fmt.Errorf("no sink named %q after loading %s", pv.layout.MasterSinkName, pv.layout.MasterSinkModule),
	}
}

func (pv *Provisioner) masterArgs(channels int) string {
	args := fmt.Sprintf("sink_name=%s channels=%d channel_map=%s",
		pv.layout.MasterSinkName,
		channels,
		strings.Join(MasterChannelMap(pv.layout.ChannelMapStyle, channels), ","))

	if extra := strings.TrimSpace(pv.layout.MasterSinkArgs); extra != "" {
		args += " " + extra
	}

	return args
}

func (pv *Provisioner) remapArgs(i int, masterMap []string) string {
	return fmt.Sprintf("sink_name=%s master=%s channels=2 channel_map=%s master_channel_map=%s remix=no",
		pv.SlotName(i),
		pv.layout.MasterSinkName,
		strings.Join(DefaultChannelMap(2, 0), ","),
		strings.Join(masterMap[2*i:2*i+2], ","))
}

func (pv *Provisioner) ownsRemapModule(module ModuleInfo) bool {
	if module.Name != pv.layout.RemapModule {
		return false
	}

	for _, arg := range strings.Fields(module.Args) {
		if name, ok := strings.CutPrefix(arg, "sink_name="); ok {
			return strings.HasPrefix(name, pv.layout.SlotNamePrefix+"_")
		}
	}

	return false
}
