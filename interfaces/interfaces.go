// Package interfaces defines the built-in capability contracts and typed clients for them. A
// client wraps any module.Invoker: a connector reference inside the kernel, a gateway handle, or a
// test double. Results are decoded the same way whether they arrive as native values from a local
// module or as JSON-shaped values from across the gateway.
package interfaces

import (
	"context"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.labforge.io/labkernel/module"
	"go.labforge.io/labkernel/utils"
)

// Range is an inclusive interval of allowed values.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Decode converts an invocation result into T.
func Decode[T any](v interface{}) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	if v == nil {
		return out, errors.Errorf("expected %T but got nothing", out)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, errors.Wrapf(err, "cannot decode %T into %T", v, out)
	}
	return out, nil
}

func call[T any](ctx context.Context, inv module.Invoker, op string, args utils.AttributeMap) (T, error) {
	res, err := module.Call(ctx, inv, op, args)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](res)
}

func exec(ctx context.Context, inv module.Invoker, op string, args utils.AttributeMap) error {
	_, err := module.Call(ctx, inv, op, args)
	return err
}

// Float64Map reads a map of numbers out of args, as sent by clients for per-axis commands.
func Float64Map(args utils.AttributeMap, name string) (map[string]float64, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return nil, errors.Errorf("missing %q", name)
	}
	return Decode[map[string]float64](raw)
}
