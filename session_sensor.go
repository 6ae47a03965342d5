package olfactoryreaction

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SessionSensor = resource.NewModel("viamdemo", "olfactory-reaction", "session-sensor")

func init() {
	resource.RegisterComponent(sensor.API, SessionSensor,
		resource.Registration[sensor.Sensor, *SessionSensorConfig]{
			Constructor: newSessionSensor,
		},
	)
}

type SessionSensorConfig struct {
	Experiment string `json:"experiment"`
}

func (cfg *SessionSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Experiment == "" {
		return nil, nil, fmt.Errorf("%s: experiment is required", path)
	}
	// Full resource name so the dependency resolves to the generic service
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Experiment)
	return []string{dep.String()}, nil, nil
}

type stateProvider interface {
	GetState(ctx context.Context) map[string]interface{}
}

type sessionSensor struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	experiment stateProvider
}

func newSessionSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SessionSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	experimentName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), conf.Experiment)
	exp, ok := deps[experimentName]
	if !ok {
		return nil, fmt.Errorf("experiment %q not found in dependencies", conf.Experiment)
	}

	provider, ok := exp.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("experiment %q does not implement GetState", conf.Experiment)
	}

	return &sessionSensor{
		name:       rawConf.ResourceName(),
		logger:     logger,
		experiment: provider,
	}, nil
}

func (s *sessionSensor) Name() resource.Name {
	return s.name
}

// Readings is the experiment state made numeric where it can be, so data
// capture can chart it. Text fields are passed through.
func (s *sessionSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return flattenState(s.experiment.GetState(ctx)), nil
}

func flattenState(state map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(state)+2)
	for k, v := range state {
		switch v := v.(type) {
		case bool:
			out[k] = boolReading(v)
		case int:
			out[k] = float64(v)
		case uint32:
			out[k] = float64(v)
		default:
			out[k] = v
		}
	}
	out["running"] = boolReading(state["state"] == "running")
	if name, ok := state["stage"].(string); ok {
		if st, ok := parseStage(name); ok {
			out["stage_index"] = float64(st)
		}
	}
	return out
}

func boolReading(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *sessionSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on session-sensor")
}

func (s *sessionSensor) Close(context.Context) error {
	return nil
}
