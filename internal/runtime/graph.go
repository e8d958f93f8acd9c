package runtime

import (
	"github.com/pkg/errors"

	"github.com/born-ml/kfuse/internal/errs"
	"github.com/born-ml/kfuse/internal/fusion"
	"github.com/born-ml/kfuse/internal/signature"
	"github.com/born-ml/kfuse/internal/tensor"
)

// Results maps graph values to the arrays holding them after a run.
type Results struct {
	arrays map[*fusion.Value]*tensor.Array
	groups []*fusion.Group
}

// Array returns the array materialized for v. Intermediates of a fused
// group have none.
func (r *Results) Array(v *fusion.Value) (*tensor.Array, error) {
	if v.Kind() == fusion.InputValue {
		return v.Array(), nil
	}
	a, ok := r.arrays[v]
	if !ok {
		return nil, errors.Wrapf(errs.ErrNotFinalValue, "%s", v)
	}
	return a, nil
}

// Groups returns the fusion groups the run executed, in order.
func (r *Results) Groups() []*fusion.Group { return r.groups }

// Run analyzes g, specializes one kernel per fusion group and launches the
// groups in order. Each launch waits on the groups producing its inputs;
// nothing blocks the caller except opaque host operations.
func (e *Engine) Run(g *fusion.Graph) (*Results, error) {
	groups := fusion.Analyze(g)
	res := &Results{arrays: make(map[*fusion.Value]*tensor.Array), groups: groups}

	for _, grp := range groups {
		args := make([]any, len(grp.Inputs()))
		for i, v := range grp.Inputs() {
			switch v.Kind() {
			case fusion.InputValue:
				args[i] = v.Array()
			case fusion.ScalarValue:
				args[i] = v.Scalar()
			default:
				a, ok := res.arrays[v]
				if !ok {
					return nil, errors.Errorf("%s: input %s is not available", grp.Name(), v)
				}
				args[i] = a
			}
		}

		var outs []*tensor.Array
		if grp.Opaque() {
			root := grp.Root()
			// Host functions see arguments in formal order.
			formal := make([]any, len(root.Args()))
			for i, v := range root.Args() {
				formal[i] = args[grp.Input(v)]
			}
			out, err := e.runHost(root.Def(), formal)
			if err != nil {
				return nil, err
			}
			outs = []*tensor.Array{out}
		} else {
			sig, err := signature.Of(args...)
			if err != nil {
				return nil, err
			}
			entry, err := e.cache.SpecializeGroup(grp, sig, e.be)
			if err != nil {
				return nil, errors.Wrapf(err, "specializing %s", grp.Name())
			}
			outs, err = allocate(entry)
			if err != nil {
				return nil, err
			}
			if _, err := e.dispatch(entry, args, outs, nil, true); err != nil {
				return nil, err
			}
		}
		for i, v := range grp.Outputs() {
			res.arrays[v] = outs[i]
		}
	}
	return res, nil
}
