package activities

import (
	"maps"
	"slices"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/script"
)

// ScriptInput runs either Risor Code or a Template with ${...} expressions.
// Vars are visible to both as globals.
type ScriptInput struct {
	Code     string         `json:"code,omitempty"`
	Template string         `json:"template,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
}

// ScriptOutput holds the result of the code, or the rendered template in
// both Value and Text.
type ScriptOutput struct {
	Value  any    `json:"value"`
	Text   string `json:"text"`
	Truthy bool   `json:"truthy"`
}

// NewScriptActivity returns the "script" activity
func NewScriptActivity() durable.Activity {
	engine := script.NewEngine()
	return durable.TypedActivityFunction(TypeScript, func(ctx durable.ActivityContext, in ScriptInput) (ScriptOutput, error) {
		if (in.Code == "") == (in.Template == "") {
			return ScriptOutput{}, invalidInput("exactly one of code and template is required")
		}
		names := slices.Sorted(maps.Keys(in.Vars))
		if in.Template != "" {
			tmpl, err := engine.NewTemplate(ctx, in.Template, names...)
			if err != nil {
				return ScriptOutput{}, invalidInput("%v", err)
			}
			text, err := tmpl.Render(ctx, in.Vars)
			if err != nil {
				return ScriptOutput{}, invalidInput("render template: %v", err)
			}
			return ScriptOutput{Value: text, Text: text, Truthy: text != ""}, nil
		}
		prog, err := engine.Compile(ctx, in.Code, names...)
		if err != nil {
			return ScriptOutput{}, invalidInput("compile script: %v", err)
		}
		v, err := prog.Run(ctx, in.Vars)
		if err != nil {
			// Scripts are deterministic; a retry fails the same way.
			return ScriptOutput{}, invalidInput("run script: %v", err)
		}
		ctx.Logger().Debug("script evaluated", "result", v.String())
		return ScriptOutput{Value: v.Interface(), Text: v.String(), Truthy: v.Truthy()}, nil
	})
}
