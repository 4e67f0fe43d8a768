// Package templating wraps aymerick/raymond (the Go Handlebars engine)
// with the {application,service,services,userDefined} context and the
// isCompanion/isNotCompanion block helpers §4.3 names, and knows which
// ServiceConfig fields are templated leaves.
package templating

import (
	"encoding/json"
	"sync"

	"github.com/aymerick/raymond"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

var registerHelpersOnce sync.Once

// registerHelpers installs isCompanion/isNotCompanion once per process;
// raymond's helper registry is a package-level global, so repeated
// registration across Engine instances would panic.
func registerHelpers() {
	registerHelpersOnce.Do(func() {
		raymond.RegisterHelper("isCompanion", isCompanionHelper(true))
		raymond.RegisterHelper("isNotCompanion", isCompanionHelper(false))
	})
}

// isCompanionHelper builds the isCompanion/isNotCompanion block helper:
// it renders its block when the given container-type string is (or, for
// isNotCompanion, is not) one of the two companion kinds.
func isCompanionHelper(wantCompanion bool) func(string, raymond.Options) string {
	return func(containerType string, options raymond.Options) string {
		isCompanion := containerType == string(models.ContainerTypeApplicationCompanion) ||
			containerType == string(models.ContainerTypeServiceCompanion)
		if isCompanion == wantCompanion {
			return options.Fn()
		}
		return options.Inverse()
	}
}

// ServiceView and Context mirror §4.3's context shape exactly; JSON
// tags match the lowercase field names the spec's handlebars examples
// use ({{name}}, {{#each services}}).
type ServiceView struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	Type string `json:"type"`
}

type Context struct {
	Application struct {
		Name string `json:"name"`
	} `json:"application"`
	Service     *ServiceView  `json:"service,omitempty"`
	Services    []ServiceView `json:"services,omitempty"`
	UserDefined any           `json:"userDefined,omitempty"`
}

// Engine renders templated strings against a Context. It holds no
// state beyond the one-time helper registration; raymond itself caches
// compiled templates internally keyed by template content.
type Engine struct{}

func NewEngine() *Engine {
	registerHelpers()
	return &Engine{}
}

// RenderString renders one Handlebars template against ctx.
func (e *Engine) RenderString(tmplText string, ctx Context) (string, error) {
	tpl, err := raymond.Parse(tmplText)
	if err != nil {
		return "", errs.Wrap(errs.TemplatingIssue, err, "failed to parse template")
	}

	rendered, err := tpl.Exec(ctx)
	if err != nil {
		return "", errs.Wrap(errs.TemplatingIssue, err, "failed to render template")
	}
	return rendered, nil
}

// RenderServiceConfig renders every templated leaf of cfg (§4.3):
// service_name, env entries with templated=true (original text
// preserved), file contents, label values, router.rule, and every
// string leaf inside middlewares.
func (e *Engine) RenderServiceConfig(cfg models.ServiceConfig, ctx Context) (models.ServiceConfig, error) {
	rendered := cfg

	name, err := e.RenderString(cfg.ServiceName, ctx)
	if err != nil {
		return cfg, err
	}
	rendered.ServiceName = name

	if len(cfg.Env) > 0 {
		renderedEnv := make([]models.EnvVar, len(cfg.Env))
		for i, env := range cfg.Env {
			renderedEnv[i] = env
			if env.Templated {
				value, err := e.RenderString(env.Value, ctx)
				if err != nil {
					return cfg, err
				}
				renderedEnv[i].Value = value
				renderedEnv[i].Original = env.Value
			}
		}
		rendered.Env = renderedEnv
	}

	if len(cfg.Files) > 0 {
		renderedFiles := make(map[string]string, len(cfg.Files))
		for path, content := range cfg.Files {
			rv, err := e.RenderString(content, ctx)
			if err != nil {
				return cfg, err
			}
			renderedFiles[path] = rv
		}
		rendered.Files = renderedFiles
	}

	if len(cfg.Labels) > 0 {
		renderedLabels := make(map[string]string, len(cfg.Labels))
		for k, v := range cfg.Labels {
			rv, err := e.RenderString(v, ctx)
			if err != nil {
				return cfg, err
			}
			renderedLabels[k] = rv
		}
		rendered.Labels = renderedLabels
	}

	if cfg.Router != nil {
		rule, err := e.RenderString(cfg.Router.Rule, ctx)
		if err != nil {
			return cfg, err
		}
		renderedRouter := *cfg.Router
		renderedRouter.Rule = rule
		rendered.Router = &renderedRouter
	}

	if len(cfg.Middlewares) > 0 {
		renderedMiddlewares := make([]models.MiddlewareEntry, len(cfg.Middlewares))
		for i, mw := range cfg.Middlewares {
			renderedSpec, err := e.renderJSONLeaves(mw.Spec, ctx)
			if err != nil {
				return cfg, err
			}
			renderedMiddlewares[i] = models.MiddlewareEntry{Name: mw.Name, Spec: renderedSpec}
		}
		rendered.Middlewares = renderedMiddlewares
	}

	return rendered, nil
}

// renderJSONLeaves walks an arbitrary JSON tree and renders every
// string leaf through the template engine, per §4.3 "every string leaf
// inside middlewares".
func (e *Engine) renderJSONLeaves(raw json.RawMessage, ctx Context) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errs.Wrap(errs.TemplatingIssue, err, "middleware spec is not valid JSON")
	}

	rendered, err := e.renderValue(value, ctx)
	if err != nil {
		return nil, err
	}

	return json.Marshal(rendered)
}

func (e *Engine) renderValue(value any, ctx Context) (any, error) {
	switch v := value.(type) {
	case string:
		return e.RenderString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			rv, err := e.renderValue(inner, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			rv, err := e.renderValue(inner, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// ServiceViewOf projects a ServiceConfig into the {name,port,type}
// shape the templating context exposes.
func ServiceViewOf(cfg models.ServiceConfig) ServiceView {
	return ServiceView{Name: cfg.ServiceName, Port: cfg.NormalisedPort(), Type: string(cfg.ContainerType)}
}

// ValidateUserDefinedParameters is a small wrapper so callers get a
// consistently-kinded error; the actual JSON-Schema check lives in
// schema.go since it needs its own dependency (santhosh-tekuri/jsonschema).
func ValidateUserDefinedParameters(compiled *CompiledSchema, params json.RawMessage) error {
	if compiled == nil || len(params) == 0 {
		return nil
	}
	if err := compiled.Validate(params); err != nil {
		return errs.Wrap(errs.InvalidUserDefinedParameters, err, "user-defined parameters failed schema validation")
	}
	return nil
}
