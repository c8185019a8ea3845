// Package configs embeds the reference platform profile and graph catalog
// shipped with camhal.
package configs

import (
	"embed"
)

// Platform is the reference YAML platform profile.
//
//go:embed platform.yaml
var Platform []byte

// Catalog holds the reference HCL graph catalog files under catalog/.
//
//go:embed catalog/*.hcl
var Catalog embed.FS

// CatalogFile is the name of the reference catalog inside Catalog.
const CatalogFile = "catalog/ov13b10.hcl"
