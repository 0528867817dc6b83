// Package config loads validator settings from a YAML file and command line
// flags. Flags given explicitly win over the file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"bvcheck/internal/memory"
	"bvcheck/internal/validator"
	"bvcheck/internal/x64"
)

type Config struct {
	LogLevel   string        `yaml:"log_level"`
	Solver     string        `yaml:"solver"`
	Strategies []string      `yaml:"strategies"`
	Bound      int           `yaml:"bound"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	Testcases  int           `yaml:"testcases"`
	Seed       int64         `yaml:"seed"`
	Nacl       bool          `yaml:"nacl"`
	// multiplication as uninterpreted functions
	UninterpretedMul     bool   `yaml:"uninterpreted_mul"`
	CheckCounterexamples bool   `yaml:"check_counterexamples"`
	DefIns               string `yaml:"def_ins"`
	LiveOuts             string `yaml:"live_outs"`
}

func Default() *Config {
	opts := validator.DefaultOptions()
	strategies := make([]string, len(opts.Strategies))
	for i, s := range opts.Strategies {
		strategies[i] = s.String()
	}
	return &Config{
		LogLevel:             "info",
		Solver:               opts.Solver,
		Strategies:           strategies,
		Bound:                opts.Bound,
		Timeout:              opts.Timeout,
		Workers:              opts.Workers,
		Testcases:            opts.Testcases,
		Seed:                 opts.Seed,
		CheckCounterexamples: opts.CheckCounterexamples,
		DefIns:               "rdi,rsi,rdx,rcx,r8,r9,rsp",
		LiveOuts:             "rax,rsp",
	}
}

// Load reads path over the defaults. An empty path gives the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0o644)
}

// Flags holds command line values until they are merged into a Config.
type Flags struct {
	fs  *flag.FlagSet
	val Config
}

// BindFlags registers the flags on fs, with the defaults as shown values.
func BindFlags(fs *flag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}
	fs.StringVar(&f.val.LogLevel, "log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&f.val.Solver, "solver", d.Solver, "smt solver (yices, z3)")
	fs.StringSliceVar(&f.val.Strategies, "strategy", d.Strategies, "memory models to try in order (flat, arm, cell, trivial)")
	fs.IntVar(&f.val.Bound, "bound", d.Bound, "visits allowed per basic block on a path")
	fs.DurationVar(&f.val.Timeout, "timeout", d.Timeout, "solver timeout per query, 0 for none")
	fs.IntVar(&f.val.Workers, "workers", d.Workers, "path pairs checked at once per memory model (yices serializes queries, z3 runs them in parallel)")
	fs.IntVar(&f.val.Testcases, "testcases", d.Testcases, "random testcases used to learn paths")
	fs.Int64Var(&f.val.Seed, "seed", d.Seed, "random seed")
	fs.BoolVar(&f.val.Nacl, "nacl", d.Nacl, "require sandboxed memory addressing")
	fs.BoolVar(&f.val.UninterpretedMul, "uninterpreted-mul", d.UninterpretedMul, "model multiplication with uninterpreted functions")
	fs.BoolVar(&f.val.CheckCounterexamples, "check-ceg", d.CheckCounterexamples, "replay counterexamples in the sandbox")
	fs.StringVar(&f.val.DefIns, "def-ins", d.DefIns, "registers defined on entry")
	fs.StringVar(&f.val.LiveOuts, "live-outs", d.LiveOuts, "registers live on exit")
	return f
}

// Apply copies every flag set on the command line into c.
func (f *Flags) Apply(c *Config) {
	set := map[string]func(){
		"log-level":         func() { c.LogLevel = f.val.LogLevel },
		"solver":            func() { c.Solver = f.val.Solver },
		"strategy":          func() { c.Strategies = f.val.Strategies },
		"bound":             func() { c.Bound = f.val.Bound },
		"timeout":           func() { c.Timeout = f.val.Timeout },
		"workers":           func() { c.Workers = f.val.Workers },
		"testcases":         func() { c.Testcases = f.val.Testcases },
		"seed":              func() { c.Seed = f.val.Seed },
		"nacl":              func() { c.Nacl = f.val.Nacl },
		"uninterpreted-mul": func() { c.UninterpretedMul = f.val.UninterpretedMul },
		"check-ceg":         func() { c.CheckCounterexamples = f.val.CheckCounterexamples },
		"def-ins":           func() { c.DefIns = f.val.DefIns },
		"live-outs":         func() { c.LiveOuts = f.val.LiveOuts },
	}
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, ok := set[fl.Name]; ok {
			apply()
		}
	})
}

func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	log.SetLevel(level)
	return nil
}

func (c *Config) Options() (validator.Options, error) {
	opts := validator.Options{
		Bound:                c.Bound,
		Solver:               c.Solver,
		Timeout:              c.Timeout,
		Workers:              c.Workers,
		Testcases:            c.Testcases,
		Seed:                 c.Seed,
		Nacl:                 c.Nacl,
		UninterpretedMul:     c.UninterpretedMul,
		CheckCounterexamples: c.CheckCounterexamples,
	}
	for _, s := range c.Strategies {
		t, err := memory.ParseType(s)
		if err != nil {
			return opts, err
		}
		opts.Strategies = append(opts.Strategies, t)
	}
	if c.Bound < 1 {
		return opts, errors.Errorf("bound must be positive, got %d", c.Bound)
	}
	return opts, nil
}

// Interface parses the def-ins and live-outs.
func (c *Config) Interface() (defIns, liveOuts x64.RegSet, err error) {
	if defIns, err = x64.ParseRegSet(c.DefIns); err != nil {
		return defIns, liveOuts, errors.Wrap(err, "def-ins")
	}
	if liveOuts, err = x64.ParseRegSet(c.LiveOuts); err != nil {
		return defIns, liveOuts, errors.Wrap(err, "live-outs")
	}
	return defIns, liveOuts, nil
}
