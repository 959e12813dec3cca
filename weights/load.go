package weights

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VariableName maps a context variable to its checkpoint name: the scope
// components joined by dots, followed by the variable name. E.g. a variable
// "weights" under scope "/model/encoder/conv_in/conv" is named
// "model.encoder.conv_in.conv.weights".
func VariableName(v *context.Variable) string {
	scope := strings.TrimPrefix(v.Scope(), context.ScopeSeparator)
	scope = strings.ReplaceAll(scope, context.ScopeSeparator, ".")
	if scope == "" {
		return v.Name()
	}
	return scope + "." + v.Name()
}

// LoadInto assigns the given parameter tensors into every variable of the
// context, matching by VariableName. It is strict: a variable without a
// parameter, or a parameter whose shape or dtype disagrees with its variable,
// fails with an error naming the offenders. Parameters without a matching
// variable are logged and ignored.
//
// The model's variables must already exist -- build one forward graph before
// loading.
func LoadInto(ctx *context.Context, params map[string]*tensors.Tensor) error {
	var missing, mismatched []string
	used := make(map[string]bool, len(params))
	loaded := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		name := VariableName(v)
		tensor, found := params[name]
		if !found {
			missing = append(missing, name)
			return
		}
		used[name] = true
		if !tensor.Shape().Equal(v.Shape()) {
			mismatched = append(mismatched,
				errors.Errorf("%s: checkpoint shape %s, model shape %s", name, tensor.Shape(), v.Shape()).Error())
			return
		}
		v.SetValue(tensor)
		loaded++
	})

	if len(missing) > 0 {
		slices.Sort(missing)
		return errors.Errorf("checkpoint is missing %d parameters required by the model (first: %q)",
			len(missing), missing[0])
	}
	if len(mismatched) > 0 {
		slices.Sort(mismatched)
		return errors.Errorf("checkpoint disagrees with the model on %d parameter shapes (first: %s)",
			len(mismatched), mismatched[0])
	}
	for name := range params {
		if !used[name] {
			klog.Warningf("checkpoint parameter %q has no matching model variable, ignored", name)
		}
	}
	klog.V(1).Infof("loaded %d parameters into the model", loaded)
	return nil
}
