// Command openfalciparum runs the malaria transmission core over a
// scenario document: scenario in, survey and continuous-output text
// streams out, with optional checkpointing.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	openfalciparum "github.com/SwissTPH/openmalaria-sub005"
)

// exit codes: 0 normal completion, 1 user error (including
// help/version), other non-zero internal error.
const (
	exitOK        = 0
	exitUserError = 1
	exitInternal  = 2
)

type cliOptions struct {
	scenario           string
	output             string
	ctsout             string
	name               string
	compressOutput     bool
	resourcePath       string
	validateOnly       bool
	checkpoint         bool
	checkpointFile     string
	checkpointStop     bool
	printModel         bool
	printEIR           bool
	printInterventions bool
	printSurveyTimes   bool
	printGenotypes     bool
	sampleInterpolations bool
	deprecationWarnings bool
	debugVectorFitting bool
	version            bool
	help               bool
}

func parseFlags(args []string) (*cliOptions, error) {
	fs := flag.NewFlagSet("openfalciparum", flag.ContinueOnError)
	var o cliOptions

	register := func(dest *string, short, long, def, usage string) {
		fs.StringVar(dest, short, def, usage)
		fs.StringVar(dest, long, def, usage)
	}
	registerBool := func(dest *bool, short, long string, usage string) {
		fs.BoolVar(dest, short, false, usage)
		if long != "" {
			fs.BoolVar(dest, long, false, usage)
		}
	}

	register(&o.scenario, "s", "scenario", "", "scenario XML file")
	register(&o.output, "o", "output", "", "survey output file")
	fs.StringVar(&o.ctsout, "ctsout", "", "continuous-output file")
	register(&o.name, "n", "name", "", "base name; expands to scenario/output/ctsout")
	registerBool(&o.compressOutput, "z", "compress-output", "gzip the survey output")
	register(&o.resourcePath, "p", "resource-path", ".", "directory for scenario-relative resources")
	fs.BoolVar(&o.validateOnly, "validate-only", false, "parse and validate the scenario, then exit")
	registerBool(&o.checkpoint, "c", "checkpoint", "enable checkpointing")
	fs.StringVar(&o.checkpointFile, "checkpoint-file", "", "checkpoint base file name")
	fs.BoolVar(&o.checkpointStop, "checkpoint-stop", false, "write one more checkpoint once the main phase has finished (the run is not stopped early)")
	registerBool(&o.printModel, "m", "print-model", "print the resolved model parameters and exit")
	fs.BoolVar(&o.printEIR, "print-EIR", false, "print the daily EIR series and exit")
	fs.BoolVar(&o.printInterventions, "print-interventions", false, "print the intervention schedule and exit")
	fs.BoolVar(&o.printSurveyTimes, "print-survey-times", false, "print the configured survey times and exit")
	fs.BoolVar(&o.printGenotypes, "print-genotypes", false, "print the genotype registry and exit")
	fs.BoolVar(&o.sampleInterpolations, "sample-interpolations", false, "dump interpolation samples for debugging")
	fs.BoolVar(&o.deprecationWarnings, "deprecation-warnings", false, "emit deprecation warnings for legacy scenario features")
	fs.BoolVar(&o.debugVectorFitting, "debug-vector-fitting", false, "emit per-iteration vector-fitting diagnostics")
	registerBool(&o.version, "v", "version", "print the version and exit")
	registerBool(&o.help, "h", "help", "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if o.name != "" {
		if o.scenario == "" {
			o.scenario = o.name + ".xml"
		}
		if o.output == "" {
			o.output = o.name + "_out.txt"
		}
		if o.ctsout == "" {
			o.ctsout = o.name + "_ctsout.txt"
		}
	}
	return &o, nil
}

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUserError
	}

	if opts.help {
		fmt.Fprintln(stdout, "usage: openfalciparum --scenario FILE --output FILE [options]")
		return exitUserError
	}
	if opts.version {
		fmt.Fprintln(stdout, version)
		return exitUserError
	}
	if opts.scenario == "" {
		fmt.Fprintln(stderr, "openfalciparum: --scenario is required")
		return exitUserError
	}

	log := openfalciparum.NewLogger(stderr, opts.debugVectorFitting)

	scenarioPath := opts.scenario
	if !filepath.IsAbs(scenarioPath) {
		scenarioPath = filepath.Join(opts.resourcePath, scenarioPath)
	}
	f, err := os.Open(scenarioPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUserError
	}
	defer f.Close()

	doc, warn, err := openfalciparum.LoadScenario(f)
	if err != nil {
		openfalciparum.LogFatal(log, err)
		return exitInternal
	}
	if warn != nil {
		openfalciparum.LogWarning(log, warn)
	}

	if opts.printGenotypes || opts.printEIR || opts.printModel || opts.printInterventions || opts.printSurveyTimes {
		printRequestedViews(stdout, opts, doc)
		return exitOK
	}

	if opts.validateOnly {
		return exitOK
	}

	runOpts := openfalciparum.RunOptions{
		Config: openfalciparum.DefaultRunConfig(),
		Seed:   1,
		Log:    log,
	}
	runOpts.Config.Fitting.DebugVectorFitting = opts.debugVectorFitting
	runOpts.Config.Defaults.CompressOutput = opts.compressOutput
	runOpts.Config.Defaults.DeprecationWarnings = opts.deprecationWarnings

	if opts.output != "" {
		outPath := opts.output
		if !filepath.IsAbs(outPath) {
			outPath = filepath.Join(opts.resourcePath, outPath)
		}
		outFile, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUserError
		}
		defer outFile.Close()
		runOpts.SurveyOutput = outFile
		runOpts.CompressSurvey = opts.compressOutput
	}

	if opts.ctsout != "" {
		ctsPath := opts.ctsout
		if !filepath.IsAbs(ctsPath) {
			ctsPath = filepath.Join(opts.resourcePath, ctsPath)
		}
		ctsFile, err := os.Create(ctsPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUserError
		}
		defer ctsFile.Close()
		runOpts.ContinuousOutput = ctsFile
	}

	if opts.checkpoint {
		base := opts.checkpointFile
		if base == "" {
			base = "checkpoint"
		}
		runOpts.Checkpoint = openfalciparum.NewCheckpointManager(opts.resourcePath, base)
		runOpts.CheckpointStop = opts.checkpointStop
	}

	if err := openfalciparum.Run(doc, runOpts); err != nil {
		openfalciparum.LogFatal(log, err)
		return exitInternal
	}
	return exitOK
}

func printRequestedViews(stdout *os.File, opts *cliOptions, doc *openfalciparum.ScenarioDocument) {
	if opts.printModel {
		fmt.Fprintf(stdout, "schemaVersion=%d name=%q\n", doc.SchemaVersion, doc.Name)
	}
	if opts.printEIR {
		for _, v := range doc.Entomology.ForcedEIR {
			fmt.Fprintf(stdout, "%g\n", v)
		}
	}
	if opts.printInterventions {
		for _, iv := range doc.Interventions {
			fmt.Fprintf(stdout, "%s\t%d\n", iv.Name, iv.Time)
		}
	}
	if opts.printSurveyTimes {
		for _, t := range doc.Monitoring.SurveyTimes {
			fmt.Fprintf(stdout, "%d\n", t)
		}
	}
	if opts.printGenotypes {
		fmt.Fprintln(stdout, "(genotype registry is built from the drug/phenotype sections during full scenario translation)")
	}
}
