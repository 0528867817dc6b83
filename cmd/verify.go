package main

import (
	"context"
	"os"
	"os/signal"

	yices2 "github.com/ianamason/yices2_go_bindings/yices_api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bvcheck/internal/config"
	"bvcheck/internal/report"
	"bvcheck/internal/validator"
	"bvcheck/internal/x64"
)

var errNotVerified = errors.New("rewrite not verified")

var verifyCommand = &cobra.Command{
	Use:   "verify --target FILE --rewrite FILE",
	Short: "check that a rewrite is equivalent to a target on bounded paths",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return verifyExec()
	},
}

var (
	ConfigFile  string
	TargetFile  string
	RewriteFile string
	Verbose     bool
	verifyFlags *config.Flags
)

func init() {
	fs := verifyCommand.Flags()
	fs.StringVar(&ConfigFile, "config", "", "yaml configuration file")
	fs.StringVar(&TargetFile, "target", "", "target assembly file")
	fs.StringVar(&RewriteFile, "rewrite", "", "rewrite assembly file")
	fs.BoolVarP(&Verbose, "verbose", "v", false, "show every path pair")
	_ = verifyCommand.MarkFlagRequired("target")
	_ = verifyCommand.MarkFlagRequired("rewrite")
	verifyFlags = config.BindFlags(fs)
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(ConfigFile)
	if err != nil {
		return nil, err
	}
	verifyFlags.Apply(c)
	if err := c.SetupLogging(); err != nil {
		return nil, err
	}
	return c, nil
}

func readCode(path string) (x64.Code, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	code, err := x64.Parse(string(text))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return code, nil
}

func verifyExec() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := c.Options()
	if err != nil {
		return err
	}
	defIns, liveOuts, err := c.Interface()
	if err != nil {
		return err
	}
	target, err := readCode(TargetFile)
	if err != nil {
		return err
	}
	rewrite, err := readCode(RewriteFile)
	if err != nil {
		return err
	}
	tc, rc, err := validator.SameInterface(target, rewrite, defIns, liveOuts)
	if err != nil {
		return err
	}

	yices2.Init()
	defer yices2.Exit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Infof("verifying %s against %s", RewriteFile, TargetFile)
	v := validator.New(opts)
	v.AddHook(func(pr *validator.PairResult) {
		log.Debugf("pair %s/%s: %s", pr.P, pr.Q, pr.Final())
	})
	verdict, err := v.Verify(ctx, tc, rc)
	if err != nil {
		return err
	}
	r := &report.Report{
		Target:  TargetFile,
		Rewrite: RewriteFile,
		Verdict: verdict,
		Regs:    defIns.Union(liveOuts),
		Verbose: Verbose,
	}
	if err := r.Write(os.Stdout); err != nil {
		return err
	}
	if !verdict.Verified {
		return errNotVerified
	}
	return nil
}
