// SPDX-License-Identifier: MPL-2.0

// Package config loads the deskpack project configuration using Viper with
// CUE as the file format.
//
// The project file is deskpack.cue in the project directory, or the file
// named by --config. It is validated against an embedded schema
// (config_schema.cue) before being merged over the built-in defaults.
// Every key can be overridden from the environment with the DESKPACK_
// prefix, dots replaced by underscores: DESKPACK_CACHE_COMPRESSION=lz4.
// Relative paths resolve against the config file's directory.
package config
