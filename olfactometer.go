package olfactoryreaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
	toggleswitch "go.viam.com/rdk/components/switch"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var Olfactometer = resource.NewModel("viamdemo", "olfactory-reaction", "olfactometer")

func init() {
	resource.RegisterComponent(toggleswitch.API, Olfactometer,
		resource.Registration[toggleswitch.Switch, *OlfactometerConfig]{
			Constructor: newOlfactometer,
		},
	)
}

// ErrDeviceWrite is returned when a channel command could not be written.
var ErrDeviceWrite = errors.New("olfactometer write failed")

const (
	defaultBaudRate = 115200

	markerSetChannels = '0'
	markerChannel1    = '1'
	markerChannel2    = '2'
)

// Switch positions are a bitmask of the two emitters.
const (
	positionOff uint32 = iota
	positionChannel1
	positionChannel2
	positionBoth
	numPositions
)

var positionLabels = []string{"off", "channel_1", "channel_2", "both"}

type OlfactometerConfig struct {
	SerialPath  string `json:"serial_path"`              // REQUIRED unless use_mock_port
	BaudRate    int    `json:"baud_rate,omitempty"`      // default 115200
	UseMockPort bool   `json:"use_mock_port,omitempty"` // in-memory port, no hardware
}

func (cfg *OlfactometerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.SerialPath == "" && !cfg.UseMockPort {
		return nil, nil, fmt.Errorf("%s: serial_path is required", path)
	}
	if cfg.BaudRate < 0 {
		return nil, nil, fmt.Errorf("%s: baud_rate must be positive", path)
	}
	return nil, nil, nil
}

// transport is the part of a serial port the device protocol needs.
type transport interface {
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// mockTransport records commands instead of sending them.
type mockTransport struct {
	mu       sync.Mutex
	writes   []string
	writeErr error
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes = append(m.writes, string(p))
	return len(p), nil
}

func (m *mockTransport) ResetInputBuffer() error { return nil }

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

// encodeChannels builds the set-channels command: marker, then the
// channel-1 marker if on, then the channel-2 marker if on.
func encodeChannels(ch1, ch2 bool) []byte {
	cmd := []byte{markerSetChannels}
	if ch1 {
		cmd = append(cmd, markerChannel1)
	}
	if ch2 {
		cmd = append(cmd, markerChannel2)
	}
	return cmd
}

func channelsToPosition(ch1, ch2 bool) uint32 {
	var pos uint32
	if ch1 {
		pos |= positionChannel1
	}
	if ch2 {
		pos |= positionChannel2
	}
	return pos
}

func positionToChannels(pos uint32) (ch1, ch2 bool) {
	return pos&positionChannel1 != 0, pos&positionChannel2 != 0
}

type olfactometer struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	port   transport

	mu  sync.Mutex
	ch1 bool
	ch2 bool
}

func newOlfactometer(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (toggleswitch.Switch, error) {
	conf, err := resource.NativeConfig[*OlfactometerConfig](rawConf)
	if err != nil {
		return nil, err
	}

	var port transport
	if conf.UseMockPort {
		port = &mockTransport{}
		logger.Infof("olfactometer using mock port (use_mock_port=true)")
	} else {
		baud := conf.BaudRate
		if baud <= 0 {
			baud = defaultBaudRate
		}
		p, err := serial.Open(conf.SerialPath, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("opening serial port %q: %w", conf.SerialPath, err)
		}
		port = p
		logger.Infof("olfactometer connected on %q at %d baud", conf.SerialPath, baud)
	}

	return newOlfactometerWithTransport(rawConf.ResourceName(), port, logger), nil
}

func newOlfactometerWithTransport(name resource.Name, port transport, logger logging.Logger) *olfactometer {
	return &olfactometer{
		name:   name,
		logger: logger,
		port:   port,
	}
}

func (o *olfactometer) Name() resource.Name {
	return o.name
}

// SetChannels is the only way the emitter state changes. On a failed write
// the cached state keeps the last command that did go through.
func (o *olfactometer) SetChannels(ctx context.Context, ch1, ch2 bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cmd := encodeChannels(ch1, ch2)
	n, err := o.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrDeviceWrite, cmd, err)
	}
	if n != len(cmd) {
		return fmt.Errorf("%w: %q: wrote %d of %d bytes", ErrDeviceWrite, cmd, n, len(cmd))
	}
	// The device does not send anything meaningful back.
	if err := o.port.ResetInputBuffer(); err != nil {
		o.logger.Warnf("discarding olfactometer input: %v", err)
	}

	o.ch1, o.ch2 = ch1, ch2
	return nil
}

// Channels returns the last successfully commanded emitter state.
func (o *olfactometer) Channels() (ch1, ch2 bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ch1, o.ch2
}

func (o *olfactometer) SetPosition(ctx context.Context, position uint32, extra map[string]interface{}) error {
	if position >= numPositions {
		return fmt.Errorf("position %d out of range [0, %d)", position, numPositions)
	}
	ch1, ch2 := positionToChannels(position)
	return o.SetChannels(ctx, ch1, ch2)
}

func (o *olfactometer) GetPosition(ctx context.Context, extra map[string]interface{}) (uint32, error) {
	ch1, ch2 := o.Channels()
	return channelsToPosition(ch1, ch2), nil
}

func (o *olfactometer) GetNumberOfPositions(ctx context.Context, extra map[string]interface{}) (uint32, []string, error) {
	return numPositions, positionLabels, nil
}

func (o *olfactometer) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "set_channels":
		ch1, _ := cmd["channel_1"].(bool)
		ch2, _ := cmd["channel_2"].(bool)
		if err := o.SetChannels(ctx, ch1, ch2); err != nil {
			return nil, err
		}
		return o.status(), nil
	case "status":
		return o.status(), nil
	case "list_ports":
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("listing serial ports: %w", err)
		}
		list := make([]interface{}, len(ports))
		for i, p := range ports {
			list[i] = p
		}
		return map[string]interface{}{"ports": list}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (o *olfactometer) status() map[string]interface{} {
	ch1, ch2 := o.Channels()
	return map[string]interface{}{
		"channel_1": ch1,
		"channel_2": ch2,
	}
}

func (o *olfactometer) Close(context.Context) error {
	return o.port.Close()
}
