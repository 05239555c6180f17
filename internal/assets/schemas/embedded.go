// Package schemasassets embeds the JSON schemas used to validate run
// manifests, so installed binaries do not depend on files on disk.
package schemasassets

import _ "embed"

// RunManifestSchema is the run-manifest JSON schema.
//
//go:embed run-manifest.schema.json
var RunManifestSchema []byte
