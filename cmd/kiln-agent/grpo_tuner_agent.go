package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	grpo_tuner "github.com/kiln-project/kiln/internal/kiln-agent/grpo-tuner"
	"github.com/kiln-project/kiln/pkg/afero"
	"github.com/kiln-project/kiln/pkg/hfutil/hub"
	"github.com/kiln-project/kiln/pkg/logging"
)

// GRPOTunerAgent implements the AgentModule interface for the GRPO fine-tune
// agent
type GRPOTunerAgent struct {
	tuner *grpo_tuner.GRPOTuner
}

// Name returns the name of the agent
func (a *GRPOTunerAgent) Name() string {
	return "grpo-tuner"
}

// ShortDescription returns a short description of the agent
func (a *GRPOTunerAgent) ShortDescription() string {
	return "Run Kiln GRPO Tuner Agent"
}

// LongDescription returns a detailed description of the agent
func (a *GRPOTunerAgent) LongDescription() string {
	return "Kiln GRPO Tuner Agent fine-tunes a causal language model with low-rank adapters using group-relative policy optimization: it fetches the base model and dataset, samples completion groups per prompt, scores them with reward functions, trains the adapters, and exports the result."
}

// ConfigureCommand configures the agent command
func (a *GRPOTunerAgent) ConfigureCommand(cmd *cobra.Command) {
	cmd.Run = func(cmd *cobra.Command, args []string) {
		runAgentCommand(cmd, a, a.Start)
	}
}

// FxModules returns the fx modules needed by this agent
func (a *GRPOTunerAgent) FxModules() []fx.Option {
	return []fx.Option{
		afero.Module,
		logging.Module,
		logging.ModuleNamed("another_log"),
		logging.ModuleNamed("hub_logger"),
		hub.Module,
		grpo_tuner.Module,
		fx.Invoke(func(tuner *grpo_tuner.GRPOTuner) {
			a.tuner = tuner
		}),
	}
}

// Start starts the agent
func (a *GRPOTunerAgent) Start() error {
	return a.tuner.Start()
}

// NewGRPOTunerAgent creates a new GRPO tuner agent
func NewGRPOTunerAgent() *GRPOTunerAgent {
	return &GRPOTunerAgent{}
}
