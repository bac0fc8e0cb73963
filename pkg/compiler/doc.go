// Package compiler implements the local compilation service: it turns
// authored behavior sources under the project's scripts directory into
// loadable artifacts under the build directory, skipping unchanged sources
// via content hashes, and optionally watches the source tree to recompile on
// edit. The module cache consumes the result through the artifact listing
// and modification timestamps; the compiler never loads modules and the
// runtime never compiles.
package compiler
