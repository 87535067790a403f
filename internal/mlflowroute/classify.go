// Package mlflowroute classifies MLflow REST API request paths into a
// small set of route kinds the policy pipeline acts on. Classification is
// exact-match only; tenant policy correctness depends on that, so no
// prefix matching is ever used here (spec.md §4.3).
package mlflowroute

// Kind is a tagged classification of a request path, independent of
// method.
type Kind string

const (
	RunsCreate              Kind = "RunsCreate"
	RunsSearch              Kind = "RunsSearch"
	RunsGet                 Kind = "RunsGet"
	RunsMutation            Kind = "RunsMutation"
	RegisteredModelCreate   Kind = "RegisteredModelCreate"
	RegisteredModelsSearch  Kind = "RegisteredModelsSearch"
	RegisteredModelGet      Kind = "RegisteredModelGet"
	RegisteredModelMutation Kind = "RegisteredModelMutation"
	ModelVersionCreate      Kind = "ModelVersionCreate"
	ModelVersionGet         Kind = "ModelVersionGet"
	ModelVersionMutation    Kind = "ModelVersionMutation"
	Other                   Kind = "Other"
)

var apiVersions = []string{"2.0", "2.1"}

func versionedPath(version, suffix string) string {
	return "/api/" + version + "/mlflow/" + suffix
}

// buildPathSet returns the set of /api/2.0/... and /api/2.1/... paths for
// every suffix given, across both supported API versions.
func buildPathSet(suffixes ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(suffixes)*len(apiVersions))
	for _, suffix := range suffixes {
		for _, version := range apiVersions {
			set[versionedPath(version, suffix)] = struct{}{}
		}
	}
	return set
}

var (
	runsMutationSuffixes = []string{
		"runs/update",
		"runs/delete",
		"runs/restore",
		"runs/log-batch",
		"runs/log-metric",
		"runs/log-parameter",
		"runs/set-tag",
		"runs/delete-tag",
	}
	registeredModelMutationSuffixes = []string{
		"registered-models/delete",
		"registered-models/rename",
		"registered-models/set-tag",
		"registered-models/delete-tag",
		"registered-models/set-alias",
		"registered-models/delete-alias",
	}
	modelVersionMutationSuffixes = []string{
		"model-versions/update",
		"model-versions/delete",
		"model-versions/transition-stage",
		"model-versions/set-tag",
		"model-versions/delete-tag",
	}
)

var (
	runsCreatePaths              = buildPathSet("runs/create")
	runsSearchPaths              = buildPathSet("runs/search")
	runsGetPaths                 = buildPathSet("runs/get")
	runsMutationPaths            = buildPathSet(runsMutationSuffixes...)
	registeredModelCreatePaths   = buildPathSet("registered-models/create")
	registeredModelsSearchPaths  = buildPathSet("registered-models/search")
	registeredModelGetPaths      = buildPathSet("registered-models/get")
	registeredModelMutationPaths = buildPathSet(registeredModelMutationSuffixes...)
	modelVersionCreatePaths      = buildPathSet("model-versions/create")
	modelVersionGetPaths         = buildPathSet("model-versions/get")
	modelVersionMutationPaths    = buildPathSet(modelVersionMutationSuffixes...)
)

// Classify returns the Kind for an incoming request path. Paths that do
// not match any recognized MLflow route classify as Other.
func Classify(path string) Kind {
	switch {
	case has(runsCreatePaths, path):
		return RunsCreate
	case has(runsSearchPaths, path):
		return RunsSearch
	case has(runsGetPaths, path):
		return RunsGet
	case has(runsMutationPaths, path):
		return RunsMutation
	case has(registeredModelCreatePaths, path):
		return RegisteredModelCreate
	case has(registeredModelsSearchPaths, path):
		return RegisteredModelsSearch
	case has(registeredModelGetPaths, path):
		return RegisteredModelGet
	case has(registeredModelMutationPaths, path):
		return RegisteredModelMutation
	case has(modelVersionCreatePaths, path):
		return ModelVersionCreate
	case has(modelVersionGetPaths, path):
		return ModelVersionGet
	case has(modelVersionMutationPaths, path):
		return ModelVersionMutation
	default:
		return Other
	}
}

func has(set map[string]struct{}, path string) bool {
	_, ok := set[path]
	return ok
}

// RequiresPreflight reports whether the kind requires the gateway to fetch
// the resource's current tenant tag before acting (via response
// inspection for Get kinds, or a synthetic preflight GET for Mutation
// kinds).
func RequiresPreflight(kind Kind) bool {
	switch kind {
	case RunsGet, RunsMutation,
		RegisteredModelGet, RegisteredModelMutation,
		ModelVersionGet, ModelVersionMutation:
		return true
	default:
		return false
	}
}

// IsMutation reports whether the kind is one of the *Mutation kinds that
// require a preceding preflight GET-equivalent call (as opposed to Get
// kinds, whose own response already carries the tag to check).
func IsMutation(kind Kind) bool {
	switch kind {
	case RunsMutation, RegisteredModelMutation, ModelVersionMutation:
		return true
	default:
		return false
	}
}

// GetEquivalent returns the path suffix of the "get" endpoint used to
// preflight a Mutation kind (e.g. "runs/get"). The suffix carries no API
// version; callers prepend the original request's prefix from
// APIVersionPrefix. ok is false for kinds that are not Mutation kinds.
func GetEquivalent(kind Kind) (getSuffix string, ok bool) {
	switch kind {
	case RunsMutation:
		return "runs/get", true
	case RegisteredModelMutation:
		return "registered-models/get", true
	case ModelVersionMutation:
		return "model-versions/get", true
	default:
		return "", false
	}
}

// APIVersionPrefix returns the "/api/<version>/mlflow/" prefix used in
// path, if path starts with one of the two supported API version prefixes;
// ok is false for any path that does not. The check is on the prefix only,
// so paths that classify as Other but sit under /api/2.0/mlflow/ or
// /api/2.1/mlflow/ also report ok.
func APIVersionPrefix(path string) (prefix string, ok bool) {
	for _, version := range apiVersions {
		p := "/api/" + version + "/mlflow/"
		if len(path) >= len(p) && path[:len(p)] == p {
			return p, true
		}
	}
	return "", false
}
