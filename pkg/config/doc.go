// Package config loads the project configuration file, project.cue. The
// document is unified against an embedded CUE schema that supplies defaults
// for every omitted field, so a minimal file declaring only the project name
// is a complete configuration. A missing file yields the built-in defaults.
package config
