package registry

// builtins is the closed set of api_classes this site ships with. A real
// deployment extends this list at startup via Registry.Register; the spec
// treats the registry as closed per process lifetime, not closed across
// deployments.
var builtins = []ApiClassDef{
	{
		ApiClass:    "dfm.api.constant.Constant",
		Description: "yields a single literal value, eligible for constant folding",
		Arity:       Nullary,
		ParamRules:  map[string]string{"value": "required"},
		Constant:    true,
	},
	{
		ApiClass:    "dfm.api.data_loader.LoadEra5ModelData",
		Description: "loads a slice of ERA5 reanalysis weather data",
		Arity:       Nullary,
		ParamRules: map[string]string{
			"region":   "required",
			"variable": "required",
			"time":     "required",
		},
	},
	{
		ApiClass:    "dfm.api.transform.ToImage",
		Description: "renders an upstream array value to an image",
		Arity:       Unary,
		ParamRules: map[string]string{
			"format":   "omitempty,oneof=png jpeg",
			"colormap": "omitempty",
		},
	},
	{
		ApiClass:    "dfm.api.transform.Resize",
		Description: "resizes an upstream image value",
		Arity:       Unary,
		ParamRules: map[string]string{
			"width":  "required,numeric,gt=0",
			"height": "required,numeric,gt=0",
		},
	},
	{
		ApiClass:    "dfm.api.transform.Square",
		Description: "squares each upstream numeric value",
		Arity:       Unary,
	},
	{
		ApiClass:    "dfm.api.aggregate.Merge",
		Description: "merges values from an arbitrary number of upstream nodes",
		Arity:       Nary,
	},
	{
		ApiClass:    "dfm.api.notify.SignalClient",
		Description: "emits a single client-visible message, typically gated by after edges",
		Arity:       Nullary,
		ParamRules:  map[string]string{"message": "required"},
	},
}
