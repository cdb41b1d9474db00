// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gotile is a small command-line tool to inspect the available backends and to run demo programs on them.
//
// Usage:
//
//	gotile [flags] devices
//	gotile [flags] run <demo>
//	gotile [flags] bench
//
// The backend is selected with -backend or with the GOTILE_BACKEND environment variable.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gotile/backends"
	_ "github.com/gomlx/gotile/backends/default"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, e.g. \"go:workers=4\". If empty, $%s is used.", backends.GOTILE_BACKEND))
	flagListing    = flag.Bool("listing", false, "Print the listing of the compiled programs.")
	flagSize       = flag.Int("size", 256, "Size of the square matrices multiplied by the bench command.")
	flagIterations = flag.Int("n", 100, "Number of invocations of the bench command.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func usage() {
	out := flag.CommandLine.Output()
	_, _ = fmt.Fprintf(out, "Usage: gotile [flags] devices | run <%s> | bench\n\nFlags:\n", strings.Join(demoNames(), "|"))
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var backend backends.Backend
	if *flagBackend != "" {
		backend = must.M1(backends.NewWithConfig(*flagBackend))
	} else {
		backend = must.M1(backends.New())
	}
	defer backend.Finalize()

	switch args[0] {
	case "devices":
		listDevices(backend)
	case "run":
		if len(args) != 2 {
			klog.Exitf("run requires one demo name, one of %q", demoNames())
		}
		must.M(runDemo(backend, args[1]))
	case "bench":
		must.M(bench(backend, *flagSize, *flagIterations))
	default:
		usage()
		klog.Exitf("unknown command %q", args[0])
	}
}

// listDevices prints the backend devices and what they support.
func listDevices(backend backends.Backend) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s", backend.Name(), backend.Description())))
	table := newTable("Device", "Ok")
	for _, device := range backends.Devices(backend) {
		table.Row(device.String(), fmt.Sprintf("%v", device.Ok()))
	}
	fmt.Println(table.Render())

	capabilities := backend.Capabilities()
	var dtypes []string
	for dtype, supported := range capabilities.DTypes {
		if supported {
			dtypes = append(dtypes, dtype.String())
		}
	}
	slices.Sort(dtypes)
	var ops []string
	for op := backends.OpTypeInvalid + 1; op < backends.OpTypeLast; op++ {
		if capabilities.Operations[op] {
			ops = append(ops, op.String())
		}
	}
	table = newTable("Capability", "Values")
	table.Row("DTypes", strings.Join(dtypes, ", "))
	table.Row("Operations", strings.Join(ops, ", "))
	fmt.Println(table.Render())
	if len(shapes.CustomDTypes()) > 0 {
		klog.V(1).Infof("custom dtypes registered: %v", shapes.CustomDTypes())
	}
}
