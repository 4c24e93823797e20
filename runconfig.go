package openfalciparum

import (
	"os"

	"github.com/BurntSushi/toml"
)

// RunConfig is the core's own internal run-configuration file — CLI
// defaults, fitting tolerances, and debug flags that are not part of
// the scenario XML itself (§6 lists the scenario format as XML; this
// is a separate, optional file a deployment can use to avoid repeating
// the same flags on every invocation, kept TOML-based even though the
// scenario format proper is XML.
type RunConfig struct {
	Defaults struct {
		ResourcePath    string `toml:"resource_path"`
		CompressOutput  bool   `toml:"compress_output"`
		DeprecationWarnings bool `toml:"deprecation_warnings"`
	} `toml:"defaults"`

	Fitting struct {
		MaxIterations int     `toml:"max_iterations"`
		Tolerance     float64 `toml:"tolerance"`
		DebugVectorFitting bool `toml:"debug_vector_fitting"`
	} `toml:"fitting"`

	RootFinder struct {
		MaxIterations int `toml:"max_iterations"`
	} `toml:"root_finder"`
}

// DefaultRunConfig returns the built-in defaults used when no run
// configuration file is supplied.
func DefaultRunConfig() RunConfig {
	var c RunConfig
	c.Fitting.MaxIterations = 20
	c.Fitting.Tolerance = 0.01
	c.RootFinder.MaxIterations = rootFinderMaxIter
	return c
}

// LoadRunConfig reads a TOML run-configuration file, starting from
// DefaultRunConfig and overriding only the fields present in path.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, IOErrorf("runconfig", "reading %s: %v", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, ScenarioErrorf("runconfig", "parsing %s: %v", path, err)
	}
	return cfg, nil
}
