package loaders

import (
	"github.com/strata-deploy/strata/pkg/engine"
)

// normalizers is the static per-kind normalization table. Kinds without an
// entry use DefaultNormalizer.
var normalizers = map[engine.Kind]engine.Normalizer{
	// Credentials carry server-managed rotation metadata alongside the
	// common server fields.
	engine.KindCredential: func(content map[string]interface{}) map[string]interface{} {
		out := DefaultNormalizer(content)
		delete(out, "last_rotated_at")
		delete(out, "fingerprint")
		return out
	},

	// Workflow schedules gain a server-computed next_run_at.
	engine.KindWorkflow: func(content map[string]interface{}) map[string]interface{} {
		out := DefaultNormalizer(content)
		delete(out, "next_run_at")
		delete(out, "last_run_at")
		return out
	},
}

// NewRegistry builds the engine's loader registry against the given
// platform, bound to one deployment scope. Every known kind gets exactly
// one loader; registration is static and happens here, at startup.
func NewRegistry(platform *Platform, scope string) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	for _, kind := range engine.Kinds() {
		if err := registry.Register(platform.Loader(kind, scope, normalizers[kind])); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
