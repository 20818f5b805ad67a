// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for rotor
// components.
//
// Configuration is loaded from a single file named by the --config flag
// or the ROTOR_CONFIG environment variable (see [Resolve]). There is no
// ~/.config discovery and no file search: without either, the built-in
// [Default] applies. Values in the file are merged over the defaults.
//
// Durations use Go syntax ("10m", "5h"). Path fields expand ${HOME},
// ${ROTOR_STATE_DIR} and ${VAR:-default} after loading; no other
// environment variable overrides a config value.
//
// This package depends on no other rotor packages.
package config
