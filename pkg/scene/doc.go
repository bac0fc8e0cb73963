// Package scene loads and validates YAML scene documents: the entities in a
// project, their transforms and masses, and the script behaviors attached to
// them with typed parameters. A loaded scene converts into the runtime's
// view of the world: entity handles, behavior attachments and the read-only
// scene view passed to script callbacks.
package scene
