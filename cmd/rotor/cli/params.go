// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagsFromParams creates a [pflag.FlagSet] with flags bound to the
// tagged fields of params, which must be a pointer to a struct. Panics
// on invalid input (a programming error, not runtime data).
//
//	var params removeParams
//	command := &cli.Command{
//	    Flags: func() *pflag.FlagSet {
//	        return cli.FlagsFromParams("remove", &params)
//	    },
//	    Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
//	        // params fields are populated after flag parsing
//	    },
//	}
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli.FlagsFromParams(%q): %v", name, err))
	}
	return flagSet
}

// BindFlags registers a pflag entry for each tagged field in params.
//
// Tags:
//
//   - flag:"name" or flag:"name,n": the long name and optional shorthand.
//     Fields without a flag tag are skipped.
//   - desc:"help text"
//   - default:"value", parsed according to the field's type.
//
// Supported field types are string, bool, int, float64, [time.Duration]
// and []string. Fields promoted from embedded structs are bound like
// direct fields.
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	return bindStructFields(value.Elem(), flagSet)
}

func bindStructFields(structValue reflect.Value, flagSet *pflag.FlagSet) error {
	for _, field := range reflect.VisibleFields(structValue.Type()) {
		if field.Anonymous {
			continue
		}
		spec, ok := field.Tag.Lookup("flag")
		if !ok || spec == "" {
			continue
		}
		fieldValue := structValue.FieldByIndex(field.Index)
		if !fieldValue.CanAddr() {
			return fmt.Errorf("field %s: not addressable", field.Name)
		}
		name, shorthand, _ := strings.Cut(spec, ",")
		if err := bindField(flagSet, fieldValue, name, shorthand, field.Tag); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return nil
}

// bindField registers the flag at its zero value and then applies the
// default through the flag's own parser, so defaults and command-line
// values are parsed identically.
func bindField(flagSet *pflag.FlagSet, fieldValue reflect.Value, name, shorthand string, tag reflect.StructTag) error {
	usage := tag.Get("desc")
	defaultString := tag.Get("default")

	switch target := fieldValue.Addr().Interface().(type) {
	case *string:
		flagSet.StringVarP(target, name, shorthand, "", usage)
	case *bool:
		flagSet.BoolVarP(target, name, shorthand, false, usage)
	case *int:
		flagSet.IntVarP(target, name, shorthand, 0, usage)
	case *float64:
		flagSet.Float64VarP(target, name, shorthand, 0, usage)
	case *time.Duration:
		flagSet.DurationVarP(target, name, shorthand, 0, usage)
	case *[]string:
		// A slice flag appends once set, so its default is installed
		// at registration rather than through Set.
		var defaults []string
		if defaultString != "" {
			defaults = strings.Split(defaultString, ",")
		}
		flagSet.StringSliceVarP(target, name, shorthand, defaults, usage)
		return nil
	default:
		return fmt.Errorf("unsupported type %s for flag --%s", fieldValue.Type(), name)
	}

	if defaultString == "" {
		return nil
	}
	flag := flagSet.Lookup(name)
	if err := flag.Value.Set(defaultString); err != nil {
		return fmt.Errorf("default for --%s: %w", name, err)
	}
	flag.DefValue = flag.Value.String()
	return nil
}
