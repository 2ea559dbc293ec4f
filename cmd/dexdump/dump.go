// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	dexhelper "github.com/LSPosed/DexHelper"
)

var (
	xrefPrefix    bool
	xrefFindFirst bool
)

func init() {
	xrefCmd.Flags().BoolVar(&xrefPrefix, "prefix", false,
		"match the string as a prefix")
	xrefCmd.Flags().BoolVar(&xrefFindFirst, "first", false,
		"stop at the first match")

	rootCmd.AddCommand(stringsCmd, classesCmd, methodsCmd, xrefCmd)
}

func openImages(paths []string) (*dexhelper.Helper, error) {
	return dexhelper.Open(paths, nil)
}

var stringsCmd = &cobra.Command{
	Use:   "strings <dex>...",
	Short: "Dump the string tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openImages(args)
		if err != nil {
			return err
		}
		defer d.Close()

		dim := color.New(color.Faint).SprintFunc()
		for dex := 0; dex < d.ImageCount(); dex++ {
			for id := 0; id < d.StringCount(dex); id++ {
				fmt.Printf("%s %q\n", dim(fmt.Sprintf("%d:%06d", dex, id)),
					d.StringAt(dex, uint32(id)))
			}
		}
		return nil
	},
}

var classesCmd = &cobra.Command{
	Use:   "classes <dex>...",
	Short: "Dump the defined classes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openImages(args)
		if err != nil {
			return err
		}
		defer d.Close()

		cyan := color.New(color.FgCyan).SprintFunc()
		for dex := 0; dex < d.ImageCount(); dex++ {
			for i := 0; i < d.ClassDefCount(dex); i++ {
				fmt.Printf("%d %s\n", dex, cyan(d.ClassDefAt(dex, i)))
			}
		}
		return nil
	},
}

var methodsCmd = &cobra.Command{
	Use:   "methods <dex>...",
	Short: "Dump the method tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openImages(args)
		if err != nil {
			return err
		}
		defer d.Close()

		for dex := 0; dex < d.ImageCount(); dex++ {
			for id := 0; id < d.MethodCount(dex); id++ {
				fmt.Printf("%d:%06d %s\n", dex, id,
					formatMethod(d.DecodeMethodID(dex, uint32(id))))
			}
		}
		return nil
	},
}

var xrefCmd = &cobra.Command{
	Use:   "xref <string> <dex>...",
	Short: "Find methods using a literal string",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openImages(args[1:])
		if err != nil {
			return err
		}
		defer d.Close()

		opts := dexhelper.DefaultQueryOptions()
		opts.FindFirst = xrefFindFirst
		green := color.New(color.FgGreen).SprintFunc()
		for _, h := range d.FindMethodUsingString(args[0], xrefPrefix, opts) {
			fmt.Println(green(formatMethod(d.DecodeMethod(h))))
		}
		return nil
	},
}

func formatMethod(m dexhelper.Method) string {
	params := ""
	for _, p := range m.Parameters {
		params += p.Name
	}
	return fmt.Sprintf("%s->%s(%s)%s",
		m.DeclaringClass.Name, m.Name, params, m.ReturnType.Name)
}
