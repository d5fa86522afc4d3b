package engine

// Kind identifies a category of deployable resource. Every kind has exactly
// one Loader adapter and a fixed position in the static precedence table.
type Kind string

const (
	// KindCredential is the auth-resource kind. Credentials are deployed
	// before everything else and are protected from accidental deletion by
	// the built-in clean policy.
	KindCredential Kind = "credential"

	// KindDataset is a stored data definition referenced by pipelines.
	KindDataset Kind = "dataset"

	// KindTransformation is a reusable data transformation step.
	KindTransformation Kind = "transformation"

	// KindFunction is a callable routine referenced by workflows.
	KindFunction Kind = "function"

	// KindPipeline is an executable data pipeline over datasets.
	KindPipeline Kind = "pipeline"

	// KindWorkflow orchestrates pipelines, transformations and functions.
	KindWorkflow Kind = "workflow"
)

// kindStrata is the static kind-level precedence table. Kinds in an earlier
// stratum are always fully reconciled before any kind in a later stratum.
// Kinds sharing a stratum have no ordering constraint between them.
//
// The table is declared once and is independent of any particular deployment.
var kindStrata = [][]Kind{
	{KindCredential},
	{KindDataset},
	{KindTransformation, KindFunction},
	{KindPipeline},
	{KindWorkflow},
}

// kindStratum maps each kind to its stratum index.
var kindStratum = func() map[Kind]int {
	m := make(map[Kind]int)
	for i, stratum := range kindStrata {
		for _, k := range stratum {
			m[k] = i
		}
	}
	return m
}()

// referenceSources lists, per kind, the kinds whose identifiers a manifest of
// that kind may reference. The build pipeline scans rendered manifests for
// identifier-shaped fields against these kinds to populate dependsOn.
var referenceSources = map[Kind][]Kind{
	KindDataset:        {KindCredential},
	KindTransformation: {KindCredential, KindDataset},
	KindFunction:       {KindCredential},
	KindPipeline:       {KindCredential, KindDataset, KindTransformation, KindPipeline},
	KindWorkflow:       {KindCredential, KindPipeline, KindTransformation, KindFunction, KindWorkflow},
}

// Kinds returns all known kinds in precedence order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindStratum))
	for _, stratum := range kindStrata {
		out = append(out, stratum...)
	}
	return out
}

// KnownKind reports whether k is a registered resource kind.
func KnownKind(k Kind) bool {
	_, ok := kindStratum[k]
	return ok
}

// StratumOf returns the static stratum index of k. Unknown kinds sort last.
func StratumOf(k Kind) int {
	if s, ok := kindStratum[k]; ok {
		return s
	}
	return len(kindStrata)
}

// StratumCount returns the number of kind-level strata.
func StratumCount() int {
	return len(kindStrata)
}

// ReferenceSources returns the kinds whose identifiers manifests of k may
// reference, in precedence order.
func ReferenceSources(k Kind) []Kind {
	return referenceSources[k]
}

// Validate returns an error if k is not a known kind.
func (k Kind) Validate() error {
	if !KnownKind(k) {
		return NewPermanentError("unknown resource kind: "+string(k), nil).
			WithCode(ErrCodeUnknownKind)
	}
	return nil
}
