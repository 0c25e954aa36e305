// Package imports registers all import definitions with the core registry.
// Import this package to ensure all import types are registered.
package imports

// This file exists to provide a single import point.
// Each definition file uses init() to register its import type.
