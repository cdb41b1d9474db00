// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/types"
	"github.com/gomlx/gotile/types/shapes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DumpDirEnv is the environment variable with a directory where the listing of every compiled program is
// written to, as "<name>-<id>.txt". It can be overridden per program with WithDumpDir.
const DumpDirEnv = "GOTILE_DUMP_DIR"

// Port is a named input or output of a program.
type Port struct {
	Name string
	Node *Node
}

// Named creates a Port.
func Named(name string, node *Node) Port {
	return Port{Name: name, Node: node}
}

type compileConfig struct {
	name    string
	dumpDir string
}

// CompileOption configures Compile.
type CompileOption func(cfg *compileConfig)

// WithName sets the name of the program. The default is the name of the graph.
func WithName(name string) CompileOption {
	return func(cfg *compileConfig) { cfg.name = name }
}

// WithDumpDir sets the directory where the program listing is written to. An empty dir disables it,
// overriding DumpDirEnv.
func WithDumpDir(dir string) CompileOption {
	return func(cfg *compileConfig) { cfg.dumpDir = dir }
}

// Program is a compiled computation, ready to be executed on one device with an Invoker.
//
// It is immutable and safe for concurrent use: many invokers can run the same program.
type Program struct {
	id          uuid.UUID
	name        string
	device      backends.Device
	computation *backends.Computation
	executable  backends.Executable
	listing     string

	inputs        []programPort
	outputs       []programPort
	inputsByName  map[string]int
	outputsByName map[string]int
}

type programPort struct {
	name  string
	shape shapes.Shape
}

// Compile freezes the computation that takes the inputs placeholders and returns the outputs values, and compiles
// it for the device.
//
// Port names must be unique among the inputs and among the outputs, and the inputs must be placeholders. Every
// placeholder the outputs depend on must be one of the inputs (ErrUnboundPlaceholder otherwise). Inputs the outputs
// don't depend on are allowed, and still need to be bound when invoking.
//
// It fails with backends.ErrUnsupported if the device's backend doesn't implement an operation or dtype used.
func Compile(device backends.Device, inputs, outputs []Port, opts ...CompileOption) (program *Program, err error) {
	if !device.Ok() {
		return nil, errors.Errorf("Compile: invalid device %s", device)
	}
	if len(outputs) == 0 {
		return nil, errors.New("Compile: no outputs given")
	}
	var computation *backends.Computation
	err = exceptions.TryCatch[error](func() { computation = freeze(inputs, outputs) })
	if err != nil {
		return nil, err
	}

	cfg := &compileConfig{name: computation.Name, dumpDir: os.Getenv(DumpDirEnv)}
	for _, opt := range opts {
		opt(cfg)
	}
	computation.Name = cfg.name
	program = &Program{
		id:            uuid.New(),
		name:          cfg.name,
		device:        device,
		computation:   computation,
		listing:       computation.Listing(),
		inputsByName:  make(map[string]int, len(inputs)),
		outputsByName: make(map[string]int, len(outputs)),
	}
	for ii, port := range inputs {
		program.inputs = append(program.inputs, programPort{name: port.Name, shape: port.Node.shape})
		program.inputsByName[port.Name] = ii
	}
	for ii, port := range outputs {
		program.outputs = append(program.outputs, programPort{name: port.Name, shape: port.Node.shape})
		program.outputsByName[port.Name] = ii
	}
	if klog.V(4).Enabled() {
		klog.Infof("Compiling %s:\n%s", program, program.listing)
	}
	program.dump(cfg.dumpDir)

	program.executable, err = device.Backend.Compile(device.Num, computation)
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling %s", program)
	}
	if klog.V(1).Enabled() {
		var constBytes int
		for _, op := range computation.Ops {
			constBytes += len(op.Data)
		}
		klog.Infof("compiled %s: %d ops, %d inputs, %d outputs, %s of constants",
			program, len(computation.Ops), len(inputs), len(outputs), humanize.Bytes(uint64(constBytes)))
	}
	return program, nil
}

// freeze validates the ports and builds the backends.Computation with the nodes needed by the outputs.
// It panics on errors.
func freeze(inputs, outputs []Port) *backends.Computation {
	var g *Graph
	checkPorts := func(kind string, ports []Port) {
		seen := types.MakeSet[string](len(ports))
		for ii, port := range ports {
			if port.Name == "" {
				exceptions.Panicf("Compile: %s port #%d has no name", kind, ii)
			}
			if seen.Has(port.Name) {
				panic(errors.Wrapf(ErrDuplicateName, "Compile: %s port %q given more than once", kind, port.Name))
			}
			seen.Insert(port.Name)
			if port.Node == nil || port.Node.graph == nil {
				exceptions.Panicf("Compile: %s port %q has an invalid node", kind, port.Name)
			}
			if g == nil {
				g = port.Node.graph
			} else if g != port.Node.graph {
				exceptions.Panicf("Compile: %s port %q uses a node from graph %q, expected graph %q",
					kind, port.Name, port.Node.graph.name, g.name)
			}
		}
	}
	checkPorts("input", inputs)
	checkPorts("output", outputs)

	// Map of placeholder id to its parameter position.
	parameterIdx := make(map[NodeID]int, len(inputs))
	for ii, port := range inputs {
		if !port.Node.IsPlaceholder() {
			exceptions.Panicf("Compile: input port %q is bound to %s, which is not a placeholder", port.Name, port.Node)
		}
		if prevIdx, found := parameterIdx[port.Node.id]; found {
			panic(errors.Wrapf(ErrDuplicateName, "Compile: placeholder %q bound to input ports %q and %q",
				port.Node.name, inputs[prevIdx].Name, port.Name))
		}
		parameterIdx[port.Node.id] = ii
	}

	// Reachability: ids are in topological order, so one backwards pass is enough.
	var maxID NodeID
	for _, port := range outputs {
		maxID = max(maxID, port.Node.id)
	}
	needed := make([]bool, maxID+1)
	for _, port := range outputs {
		needed[port.Node.id] = true
	}
	unbound := types.MakeSet[string]()
	for id := maxID; id >= 0; id-- {
		if !needed[id] {
			continue
		}
		node := g.nodes[id]
		if node.IsPlaceholder() {
			if _, found := parameterIdx[id]; !found {
				unbound.Insert(node.name)
			}
		}
		for _, input := range node.inputs {
			needed[input.id] = true
		}
	}
	if len(unbound) > 0 {
		panic(errors.Wrapf(ErrUnboundPlaceholder, "Compile: outputs depend on placeholders %q not given as inputs",
			types.SortedKeys(unbound)))
	}

	// Parameters go first, in the order of the inputs, then all other needed nodes in id order.
	computation := &backends.Computation{Name: g.name}
	opIdx := make(map[NodeID]int, len(needed))
	for _, port := range inputs {
		node := port.Node
		opIdx[node.id] = len(computation.Ops)
		computation.Parameters = append(computation.Parameters, len(computation.Ops))
		computation.Ops = append(computation.Ops, backends.Op{
			Type:  backends.OpTypeParameter,
			Shape: node.shape,
			Name:  port.Name,
		})
	}
	for id, isNeeded := range needed {
		node := g.nodes[id]
		if !isNeeded || node.IsPlaceholder() {
			continue
		}
		op := backends.Op{
			Type:  node.opType,
			Shape: node.shape,
			Data:  node.data,
		}
		for _, input := range node.inputs {
			op.Inputs = append(op.Inputs, opIdx[input.id])
		}
		opIdx[node.id] = len(computation.Ops)
		computation.Ops = append(computation.Ops, op)
	}
	for _, port := range outputs {
		computation.Outputs = append(computation.Outputs, opIdx[port.Node.id])
	}
	return computation
}

// dump writes the listing to dir, if dir is not empty. Failures are only logged.
func (p *Program) dump(dir string) {
	if dir == "" {
		return
	}
	fileName := fmt.Sprintf("%s-%s.txt", strings.ReplaceAll(p.name, string(filepath.Separator), "_"), p.id)
	path := filepath.Join(dir, fileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		klog.Warningf("failed to create dump directory %q: %v", dir, err)
		return
	}
	if err := os.WriteFile(path, []byte(p.listing), 0o644); err != nil {
		klog.Warningf("failed to dump listing of %s to %q: %v", p, path, err)
		return
	}
	klog.V(1).Infof("listing of %s written to %q", p, path)
}

// ID uniquely identifies the program.
func (p *Program) ID() uuid.UUID { return p.id }

// Name of the program.
func (p *Program) Name() string { return p.name }

// Device the program was compiled for.
func (p *Program) Device() backends.Device { return p.device }

// String implements fmt.Stringer.
func (p *Program) String() string {
	return fmt.Sprintf("Program %q (%s)", p.name, p.id)
}

// Listing returns a human-readable numbered listing of the program's operations.
func (p *Program) Listing() string { return p.listing }

// InputNames returns the names of the input ports, in the order given to Compile.
func (p *Program) InputNames() []string {
	names := make([]string, len(p.inputs))
	for ii, port := range p.inputs {
		names[ii] = port.name
	}
	return names
}

// OutputNames returns the names of the output ports, in the order given to Compile.
func (p *Program) OutputNames() []string {
	names := make([]string, len(p.outputs))
	for ii, port := range p.outputs {
		names[ii] = port.name
	}
	return names
}

// InputShape returns the shape of the input port, or fails with ErrUnknownPort.
func (p *Program) InputShape(name string) (shapes.Shape, error) {
	idx, found := p.inputsByName[name]
	if !found {
		return shapes.Invalid(), errors.Wrapf(ErrUnknownPort, "%s has no input %q", p, name)
	}
	return p.inputs[idx].shape, nil
}

// OutputShape returns the shape of the output port, or fails with ErrUnknownPort.
func (p *Program) OutputShape(name string) (shapes.Shape, error) {
	idx, found := p.outputsByName[name]
	if !found {
		return shapes.Invalid(), errors.Wrapf(ErrUnknownPort, "%s has no output %q", p, name)
	}
	return p.outputs[idx].shape, nil
}

// Finalize releases the backend resources of the program. Invoking it afterward fails with
// backends.ErrFinalized.
func (p *Program) Finalize() {
	if p.executable != nil {
		p.executable.Finalize()
	}
}
