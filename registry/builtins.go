package registry

// registerBuiltins registers the built-in PathSim block and event types.
// Called once by Global() during singleton initialization.
//
// Params lists mirror the PathSim constructor signatures; the compiler
// filters graph parameters against them so stray editor state never leaks
// into generated code.
func registerBuiltins(r *Registry) {
	r.RegisterBlock(BlockTypeDef{
		Type:        "constant",
		Category:    "sources",
		DisplayName: "Constant",
		Description: "Emit a constant value on the output",
		ClassName:   "Constant",
		Module:      "pathsim.blocks",
		Params:      []string{"value"},
		MaxInputs:   0,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "source",
		Category:    "sources",
		DisplayName: "Source",
		Description: "Emit the value of a time-dependent function",
		ClassName:   "Source",
		Module:      "pathsim.blocks",
		Params:      []string{"func"},
		MaxInputs:   0,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "sinesource",
		Category:    "sources",
		DisplayName: "Sine Source",
		Description: "Sinusoidal signal with amplitude, frequency and phase",
		ClassName:   "SinusoidalSource",
		Module:      "pathsim.blocks",
		Params:      []string{"amplitude", "frequency", "phase"},
		MaxInputs:   0,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "stepsource",
		Category:    "sources",
		DisplayName: "Step Source",
		Description: "Unit step delayed by tau",
		ClassName:   "StepSource",
		Module:      "pathsim.blocks",
		Params:      []string{"amplitude", "tau"},
		MaxInputs:   0,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "noise",
		Category:    "sources",
		DisplayName: "White Noise",
		Description: "Band-limited white noise source",
		ClassName:   "WhiteNoise",
		Module:      "pathsim.blocks",
		Params:      []string{"spectral_density", "sampling_rate"},
		MaxInputs:   0,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "adder",
		Category:    "operations",
		DisplayName: "Adder",
		Description: "Sum all inputs, with optional per-input signs",
		ClassName:   "Adder",
		Module:      "pathsim.blocks",
		Params:      []string{"operations"},
		MinInputs:   1,
		MaxInputs:   -1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "multiplier",
		Category:    "operations",
		DisplayName: "Multiplier",
		Description: "Multiply all inputs",
		ClassName:   "Multiplier",
		Module:      "pathsim.blocks",
		MinInputs:   1,
		MaxInputs:   -1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "amplifier",
		Category:    "operations",
		DisplayName: "Amplifier",
		Description: "Scale the input by a gain",
		ClassName:   "Amplifier",
		Module:      "pathsim.blocks",
		Params:      []string{"gain"},
		MinInputs:   1,
		MaxInputs:   1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "function",
		Category:    "operations",
		DisplayName: "Function",
		Description: "Apply an arbitrary Python function to the inputs",
		ClassName:   "Function",
		Module:      "pathsim.blocks",
		Params:      []string{"func"},
		MinInputs:   1,
		MaxInputs:   -1,
		MinOutputs:  1,
		MaxOutputs:  -1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "switch",
		Category:    "operations",
		DisplayName: "Switch",
		Description: "Select one of the inputs by state",
		ClassName:   "Switch",
		Module:      "pathsim.blocks",
		Params:      []string{"state"},
		MinInputs:   2,
		MaxInputs:   -1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "integrator",
		Category:    "dynamic",
		DisplayName: "Integrator",
		Description: "Integrate the input over time",
		ClassName:   "Integrator",
		Module:      "pathsim.blocks",
		Params:      []string{"initial_value"},
		MinInputs:   1,
		MaxInputs:   1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "differentiator",
		Category:    "dynamic",
		DisplayName: "Differentiator",
		Description: "Differentiate the input over time",
		ClassName:   "Differentiator",
		Module:      "pathsim.blocks",
		Params:      []string{"f_max"},
		MinInputs:   1,
		MaxInputs:   1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "delay",
		Category:    "dynamic",
		DisplayName: "Delay",
		Description: "Delay the input by a fixed time",
		ClassName:   "Delay",
		Module:      "pathsim.blocks",
		Params:      []string{"tau"},
		MinInputs:   1,
		MaxInputs:   1,
		MinOutputs:  1,
		MaxOutputs:  1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "statespace",
		Category:    "dynamic",
		DisplayName: "State Space",
		Description: "Linear state-space model (A, B, C, D)",
		ClassName:   "StateSpace",
		Module:      "pathsim.blocks",
		Params:      []string{"A", "B", "C", "D", "initial_value"},
		MinInputs:   1,
		MaxInputs:   -1,
		MinOutputs:  1,
		MaxOutputs:  -1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "scope",
		Category:    "recording",
		DisplayName: "Scope",
		Description: "Record time-series data from the inputs",
		ClassName:   "Scope",
		Module:      "pathsim.blocks",
		Params:      []string{"sampling_rate", "labels"},
		MinInputs:   1,
		MaxInputs:   -1,
		MaxOutputs:  0,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "spectrum",
		Category:    "recording",
		DisplayName: "Spectrum",
		Description: "Record a running frequency spectrum of the inputs",
		ClassName:   "Spectrum",
		Module:      "pathsim.blocks",
		Params:      []string{"freq", "t_wait", "labels"},
		MinInputs:   1,
		MaxInputs:   -1,
		MaxOutputs:  0,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "subsystem",
		Category:    "structure",
		DisplayName: "Subsystem",
		Description: "Nested child graph exposed through an interface block",
		ClassName:   "Subsystem",
		Module:      "pathsim.subsystem",
		MinInputs:   0,
		MaxInputs:   -1,
		MinOutputs:  0,
		MaxOutputs:  -1,
	})

	r.RegisterBlock(BlockTypeDef{
		Type:        "interface",
		Category:    "structure",
		DisplayName: "Interface",
		Description: "Subsystem boundary; ports mirror the parent inverted",
		ClassName:   "Interface",
		Module:      "pathsim.subsystem",
		MinInputs:   0,
		MaxInputs:   -1,
		MinOutputs:  0,
		MaxOutputs:  -1,
	})

	r.RegisterEvent(EventTypeDef{
		Type:        "schedule",
		DisplayName: "Schedule",
		Description: "Trigger an action at fixed times",
		ClassName:   "Schedule",
		Module:      "pathsim.events",
		Params:      []string{"t_start", "t_end", "t_period", "func_act"},
	})

	r.RegisterEvent(EventTypeDef{
		Type:        "zerocrossing",
		DisplayName: "Zero Crossing",
		Description: "Trigger when a watched expression crosses zero",
		ClassName:   "ZeroCrossing",
		Module:      "pathsim.events",
		Params:      []string{"func_evt", "func_act", "tolerance"},
	})

	r.RegisterEvent(EventTypeDef{
		Type:        "condition",
		DisplayName: "Condition",
		Description: "Trigger while a boolean condition holds",
		ClassName:   "Condition",
		Module:      "pathsim.events",
		Params:      []string{"func_evt", "func_act"},
	})
}
