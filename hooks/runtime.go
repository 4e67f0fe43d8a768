// Package hooks runs the two optional JavaScript hooks §4.6 describes
// in a fresh, ambient-authority-free goja sandbox per invocation, each
// bounded by a caller-supplied wall-clock timeout.
package hooks

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"

	"github.com/prevant/orchestrator/errs"
	"github.com/prevant/orchestrator/models"
)

// Runtime holds the two hooks' compiled programs. Compiling once and
// running a fresh goja.Runtime per call means no global state —
// variables, timers, anything the script sets — survives between
// invocations, satisfying "no ambient authority" without needing a
// child process per call (§9's option (a)).
type Runtime struct {
	deploymentProgram *goja.Program
	idTokenProgram    *goja.Program
	logger            *slog.Logger
}

// New compiles whichever of the two hook sources are non-empty.
// Either may be omitted; a zero-value hook of that kind is simply
// never invoked (HasDeploymentHook/HasIDTokenHook report which apply).
func New(deploymentHookSource, idTokenHookSource string, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{logger: logger}

	if deploymentHookSource != "" {
		prog, err := goja.Compile("deploymentHook.js", deploymentHookSource, false)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidDeploymentHook, err, "failed to compile deployment hook")
		}
		r.deploymentProgram = prog
	}

	if idTokenHookSource != "" {
		prog, err := goja.Compile("idTokenClaimsToOwnerHook.js", idTokenHookSource, false)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidDeploymentHook, err, "failed to compile idTokenClaimsToOwner hook")
		}
		r.idTokenProgram = prog
	}

	return r, nil
}

func (r *Runtime) HasDeploymentHook() bool { return r.deploymentProgram != nil }
func (r *Runtime) HasIDTokenHook() bool    { return r.idTokenProgram != nil }

// hookServiceView is the JS-facing shape of a ServiceConfig per §4.6:
// name/image/type plus env and files collapsed to plain string maps,
// since the hook has no use for PREvant's templated/replicated flags.
type hookServiceView struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Type  string            `json:"type"`
	Env   map[string]string `json:"env"`
	Files map[string]string `json:"files"`
}

func toHookView(cfg models.ServiceConfig) hookServiceView {
	env := make(map[string]string, len(cfg.Env))
	for _, e := range cfg.Env {
		env[e.Key] = e.Value
	}
	return hookServiceView{
		Name:  cfg.ServiceName,
		Image: cfg.Image.Display(),
		Type:  string(cfg.ContainerType),
		Env:   env,
		Files: cfg.Files,
	}
}

// runWithTimeout executes fn(vm) against a freshly constructed runtime
// loaded with program, enforcing timeout via vm.Interrupt — goja checks
// for interrupts between bytecode instructions, so this reliably bounds
// scripts that would otherwise loop forever, unlike a context deadline
// which goja does not observe on its own.
func runWithTimeout(program *goja.Program, timeout time.Duration, fn func(vm *goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("failed to load hook script: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("hook execution timed out")
	})
	defer timer.Stop()

	return fn(vm)
}

// ApplyDeploymentHook invokes deploymentHook(appName, serviceConfigs)
// and folds its output back onto configs per §4.6's contract: an
// output entry is kept only if its name/image/type are byte-equal to
// some input entry's (so the hook cannot invent a brand new service
// identity, only edit env/files or drop entries); kept entries' env
// and files replace the input's.
func (r *Runtime) ApplyDeploymentHook(appName string, configs []models.ServiceConfig, timeout time.Duration) ([]models.ServiceConfig, error) {
	if !r.HasDeploymentHook() {
		return configs, nil
	}

	views := make([]hookServiceView, len(configs))
	for i, c := range configs {
		views[i] = toHookView(c)
	}

	result, err := runWithTimeout(r.deploymentProgram, timeout, func(vm *goja.Runtime) (goja.Value, error) {
		fn, ok := goja.AssertFunction(vm.Get("deploymentHook"))
		if !ok {
			return nil, fmt.Errorf("deploymentHook.js does not define a deploymentHook function")
		}
		return fn(goja.Undefined(), vm.ToValue(appName), vm.ToValue(views))
	})
	if err != nil {
		return nil, errs.Wrap(errs.UnapplicableHook, err, "deployment hook execution failed").WithApp(appName)
	}

	var output []hookServiceView
	if err := vmExport(result, &output); err != nil {
		return nil, errs.Wrap(errs.UnapplicableHook, err, "deployment hook returned an unexpected shape").WithApp(appName)
	}

	byIdentity := make(map[string]models.ServiceConfig, len(configs))
	for _, c := range configs {
		byIdentity[identityKey(c.ServiceName, c.Image.Display(), string(c.ContainerType))] = c
	}

	kept := make([]models.ServiceConfig, 0, len(output))
	for _, out := range output {
		original, ok := byIdentity[identityKey(out.Name, out.Image, out.Type)]
		if !ok {
			continue
		}
		kept = append(kept, applyHookMutations(original, out))
	}
	return kept, nil
}

func identityKey(name, image, containerType string) string {
	return name + "\x00" + image + "\x00" + containerType
}

func applyHookMutations(original models.ServiceConfig, out hookServiceView) models.ServiceConfig {
	mutated := original

	env := make([]models.EnvVar, 0, len(out.Env))
	originalByKey := make(map[string]models.EnvVar, len(original.Env))
	for _, e := range original.Env {
		originalByKey[e.Key] = e
	}
	for key, value := range out.Env {
		if prior, ok := originalByKey[key]; ok && prior.Value == value {
			env = append(env, prior)
			continue
		}
		env = append(env, models.EnvVar{Key: key, Value: value})
	}
	mutated.Env = env
	mutated.Files = out.Files

	return mutated
}

// vmExport round-trips a goja.Value through JSON into a typed Go value
// rather than using Value.Export() directly, since Export's dynamic
// map[string]interface{}/[]interface{} shape would require the same
// manual decoding as json.Unmarshal anyway, and this way the hook's
// output is validated as well-formed JSON in the same step.
func vmExport(value goja.Value, out any) error {
	raw, err := json.Marshal(value.Export())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// IDTokenOwner is the idTokenClaimsToOwnerHook's output shape (§4.6,
// §3's Owner).
type IDTokenOwner struct {
	Sub  string `json:"sub"`
	Iss  string `json:"iss"`
	Name string `json:"name,omitempty"`
}

// ApplyIDTokenHook invokes idTokenClaimsToOwnerHook(claims) with the
// unverified claim map decoded by claims.go.
func (r *Runtime) ApplyIDTokenHook(claims map[string]any, timeout time.Duration) (models.Owner, error) {
	if !r.HasIDTokenHook() {
		return models.Owner{}, errs.New(errs.UnapplicableHook, "no idTokenClaimsToOwnerHook configured")
	}

	result, err := runWithTimeout(r.idTokenProgram, timeout, func(vm *goja.Runtime) (goja.Value, error) {
		fn, ok := goja.AssertFunction(vm.Get("idTokenClaimsToOwnerHook"))
		if !ok {
			return nil, fmt.Errorf("idTokenClaimsToOwnerHook.js does not define an idTokenClaimsToOwnerHook function")
		}
		return fn(goja.Undefined(), vm.ToValue(claims))
	})
	if err != nil {
		return models.Owner{}, errs.Wrap(errs.UnapplicableHook, err, "id token claims hook execution failed")
	}

	var owner IDTokenOwner
	if err := vmExport(result, &owner); err != nil {
		return models.Owner{}, errs.Wrap(errs.UnapplicableHook, err, "id token claims hook returned an unexpected shape")
	}
	if owner.Sub == "" || owner.Iss == "" {
		return models.Owner{}, errs.New(errs.UnapplicableHook, "id token claims hook must return non-empty sub and iss")
	}

	return models.Owner{Sub: owner.Sub, Iss: owner.Iss, Name: owner.Name}, nil
}
