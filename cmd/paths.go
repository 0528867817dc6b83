package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bvcheck/internal/cfg"
	"bvcheck/internal/x64"
)

var pathsCommand = &cobra.Command{
	Use:   "paths",
	Short: "print the control flow graph and bounded paths of a file",
	Long:  ``,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return printPaths()
	},
}

var (
	PathsFile  string
	PathsBound int
)

func init() {
	pathsCommand.Flags().StringVar(&PathsFile, "file", "", "assembly file")
	pathsCommand.Flags().IntVar(&PathsBound, "bound", 2, "visits allowed per basic block on a path")
	_ = pathsCommand.MarkFlagRequired("file")
}

func printPaths() error {
	code, err := readCode(PathsFile)
	if err != nil {
		return err
	}
	c, err := cfg.New(code, x64.AllRegs(), x64.AllRegs())
	if err != nil {
		return err
	}
	fmt.Println("Control flow graph:")
	fmt.Println(c)

	paths := cfg.EnumeratePaths(c, PathsBound)
	fmt.Printf("%d paths with bound %d\n", len(paths), PathsBound)
	for i, p := range paths {
		fmt.Printf("path %d %s\n", i, p)
		if err := cfg.Feasible(c, p, cfg.Exit); err != nil {
			fmt.Printf("  infeasible: %v\n", err)
			continue
		}
		fmt.Print(cfg.LinesString(cfg.Unroll(c, p, cfg.Exit)))
	}
	return nil
}
