package module

import (
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.labforge.io/labkernel/logging"
	"go.labforge.io/labkernel/utils"
)

// MissingPolicy says what happens when a declared option is absent from a declaration.
type MissingPolicy int

// Missing option policies.
const (
	// MissingNothing silently applies the default.
	MissingNothing MissingPolicy = iota
	// MissingWarn applies the default and logs a warning at load.
	MissingWarn
	// MissingError fails resolution of the declaring module.
	MissingError
)

// OptionSpec declares one option an implementation understands.
type OptionSpec struct {
	Name    string
	Default interface{}
	Missing MissingPolicy
}

// MissingRequiredOptions returns the names of MissingError options absent from opts.
func MissingRequiredOptions(specs []OptionSpec, opts utils.AttributeMap) []string {
	var missing []string
	for _, spec := range specs {
		if spec.Missing == MissingError && !opts.Has(spec.Name) {
			missing = append(missing, spec.Name)
		}
	}
	return missing
}

// ApplyOptionDefaults returns a copy of opts with defaults filled in for absent options.
func ApplyOptionDefaults(specs []OptionSpec, opts utils.AttributeMap, logger logging.Logger) utils.AttributeMap {
	out := opts.Clone()
	if out == nil {
		out = utils.AttributeMap{}
	}
	for _, spec := range specs {
		if out.Has(spec.Name) {
			continue
		}
		if spec.Missing == MissingWarn {
			logger.Warnw("option not set, using default", "option", spec.Name, "default", spec.Default)
		}
		if spec.Default != nil {
			out[spec.Name] = spec.Default
		}
	}
	return out
}

// DecodeOptions converts an option map into an implementation's native options struct using the
// struct's json tags.
func DecodeOptions[T any](opts utils.AttributeMap) (T, error) {
	var out T

	var forResult interface{}
	toT := reflect.TypeOf(out)
	if toT == nil {
		return out, nil
	}
	if toT.Kind() == reflect.Ptr {
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(T)
		if !ok {
			return out, errors.Errorf("failed to allocate options type %T", out)
		}
		forResult = out
	} else {
		forResult = &out
	}

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           forResult,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(opts); err != nil {
		return out, errors.Wrap(err, "failed to decode options")
	}
	return out, nil
}
