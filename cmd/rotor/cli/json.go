// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"reflect"
)

// JSONOutput adds --json to a command's parameter struct:
//
//	type listParams struct {
//	    cli.JSONOutput
//	}
//
//	if done, err := params.Emit(stdout, keys); done {
//	    return err
//	}
type JSONOutput struct {
	OutputJSON bool `json:"-" flag:"json" desc:"output as JSON"`
}

// Emit writes result to w as indented JSON when --json is set and
// reports whether it did. A nil slice is written as [] so consumers
// never see null for an empty list.
func (j *JSONOutput) Emit(w io.Writer, result any) (bool, error) {
	if !j.OutputJSON {
		return false, nil
	}
	if v := reflect.ValueOf(result); v.Kind() == reflect.Slice && v.IsNil() {
		result = reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return true, encoder.Encode(result)
}
