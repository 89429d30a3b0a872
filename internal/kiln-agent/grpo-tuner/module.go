package grpo_tuner

import (
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/kiln-project/kiln/pkg/afero"
	"github.com/kiln-project/kiln/pkg/hfutil/hub"
	"github.com/kiln-project/kiln/pkg/logging"
)

type grpoTunerParams struct {
	fx.In

	AnotherLogger logging.Interface `name:"another_log"`
	HubClient     *hub.HubClient
	Fs            afero.Fs
}

var Module = fx.Provide(
	func(v *viper.Viper, params grpoTunerParams) (*GRPOTuner, error) {
		config, err := NewGRPOTunerConfig(
			WithViper(v),
			WithAnotherLog(params.AnotherLogger),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating grpo tuner config: %+v", err)
		}
		return NewGRPOTuner(config, params.HubClient, params.Fs)
	})
