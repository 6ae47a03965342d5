package main

import (
	"olfactoryreaction"

	"go.viam.com/rdk/components/sensor"
	toggleswitch "go.viam.com/rdk/components/switch"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{generic.API, olfactoryreaction.Experiment},
		resource.APIModel{toggleswitch.API, olfactoryreaction.Olfactometer},
		resource.APIModel{sensor.API, olfactoryreaction.SessionSensor},
	)
}
