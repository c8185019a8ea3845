// Package config defines the platform profile of a camera (sensor modes,
// capability lists, limits and pipeline policy) and the Loader interface for
// graph catalogs.
//
// The platform profile is YAML and is owned by this package. Concrete catalog
// formats, such as HCL, are provided in separate packages.
package config
