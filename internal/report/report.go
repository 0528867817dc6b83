// Package report renders validator verdicts for a terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"bvcheck/internal/checker"
	"bvcheck/internal/cpustate"
	"bvcheck/internal/validator"
	"bvcheck/internal/x64"
)

var (
	okStyle      = color.New(color.FgGreen, color.Bold)
	failStyle    = color.New(color.FgRed, color.Bold)
	warnStyle    = color.New(color.FgYellow, color.Bold)
	headerStyle  = color.New(color.FgCyan, color.Bold)
	commentStyle = color.New(color.FgBlue)
)

type Report struct {
	Target, Rewrite string
	Verdict         *validator.Verdict
	// registers shown in counterexamples
	Regs x64.RegSet
	// list every pair, not only the undecided ones
	Verbose bool
}

func (r *Report) Write(w io.Writer) error {
	_, err := io.WriteString(w, r.String())
	return err
}

func (r *Report) String() string {
	var b strings.Builder
	v := r.Verdict
	b.WriteString(headerStyle.Sprintf("%s => %s\n", r.Target, r.Rewrite))

	for _, pr := range v.Pairs {
		res := pr.Final()
		if res == nil || (res.Verified && !r.Verbose) {
			continue
		}
		b.WriteString(Pair(pr))
	}

	switch {
	case v.Verified:
		b.WriteString(okStyle.Sprint("VERIFIED"))
	case v.Counterexample != nil:
		b.WriteString(failStyle.Sprint("NOT EQUIVALENT"))
	default:
		b.WriteString(warnStyle.Sprint("UNKNOWN"))
	}
	fmt.Fprintf(&b, " (%d path pairs, %.2fs)\n", len(v.Pairs), v.Elapsed.Seconds())
	if v.HasError {
		b.WriteString(warnStyle.Sprint("error: ") + v.ErrorMessage + "\n")
	}
	if v.Counterexample != nil {
		b.WriteString(Counterexample(v.Counterexample, r.Regs))
	}
	return b.String()
}

// Pair is one line per attempt made on the pair.
func Pair(pr *validator.PairResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pair %s / %s\n", pr.P, pr.Q)
	for _, res := range pr.Attempts {
		fmt.Fprintf(&b, "  %-8s %s", res.Strategy, style(res).Sprint(res))
		fmt.Fprintf(&b, " gen %.3fs smt %.3fs", res.GenTime.Seconds(), res.SmtTime.Seconds())
		if res.Comments != "" {
			b.WriteString(commentStyle.Sprintf(" (%s)", res.Comments))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func style(res *checker.Result) *color.Color {
	switch {
	case res.Verified:
		return okStyle
	case res.HasCeg:
		return failStyle
	}
	return warnStyle
}

// Counterexample prints the start state once (both sides start equal on
// the def-ins) and where the end states differ.
func Counterexample(res *checker.Result, regs x64.RegSet) string {
	var b strings.Builder
	b.WriteString(headerStyle.Sprint("counterexample\n"))
	b.WriteString(state("target start", res.TargetCeg, regs))
	b.WriteString(state("rewrite start", res.RewriteCeg, regs))
	if res.TargetFinalCeg != nil && res.RewriteFinalCeg != nil {
		b.WriteString(state("target end", res.TargetFinalCeg, regs))
		b.WriteString(state("rewrite end", res.RewriteFinalCeg, regs))
		if d := cpustate.Diff(res.TargetFinalCeg, res.RewriteFinalCeg, regs); d != "" {
			b.WriteString(headerStyle.Sprint("end state difference (-target +rewrite)\n"))
			b.WriteString(d)
		}
	}
	return b.String()
}

func state(title string, cs *cpustate.CpuState, regs x64.RegSet) string {
	if cs == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(commentStyle.Sprintf("%s:", title))
	for _, reg := range regs.Regs() {
		fmt.Fprintf(&b, " %%%s=%#x", reg, cs.GP[reg])
	}
	for _, f := range regs.Flags() {
		fmt.Fprintf(&b, " %s=%t", f, cs.Flags[f])
	}
	if cs.Code != cpustate.Normal {
		fmt.Fprintf(&b, " signal=%s", cs.Code)
	}
	b.WriteString("\n")
	for _, seg := range cs.Segments {
		b.WriteString(seg.String())
	}
	return b.String()
}
