package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasi-parallel/buffer"
	"github.com/wippyai/wasi-parallel/device"
	"github.com/wippyai/wasi-parallel/device/webgpu"
	"github.com/wippyai/wasi-parallel/dispatch"
	"github.com/wippyai/wasi-parallel/engine"
	"github.com/wippyai/wasi-parallel/host"
	"github.com/wippyai/wasi-parallel/kernel"
	"github.com/wippyai/wasi-parallel/runtime"
)

type options struct {
	wasmFile string
	funcName string
	args     string
	envVars  string
	argv     string
	attach   string
	gpu      string
	logLevel string
	memPages uint
	threads  bool
	list     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.wasmFile, "wasm", "", "Path to core wasm module")
	flag.StringVar(&opts.funcName, "func", "", "Function to call (default _start)")
	flag.StringVar(&opts.args, "args", "", "Function arguments (comma-separated numbers)")
	flag.StringVar(&opts.envVars, "env", "", "Environment variables (KEY=VAL,KEY2=VAL2)")
	flag.StringVar(&opts.argv, "argv", "", "CLI arguments (comma-separated)")
	flag.StringVar(&opts.attach, "attach", "", "Embed kernel modules before loading (id:file,id2:file2)")
	flag.StringVar(&opts.gpu, "gpu", "none", "GPU backend: none or webgpu")
	flag.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flag.UintVar(&opts.memPages, "mem-pages", 0, "Guest memory limit in 64KiB pages (0 = no limit)")
	flag.BoolVar(&opts.threads, "threads", false, "Enable the wasm threads proposal")
	flag.BoolVar(&opts.list, "list", false, "List exports, table slots and kernel modules and exit")
	interactive := flag.Bool("i", false, "Interactive mode with TUI")
	flag.Parse()

	if opts.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-func name] [-args 1,2] [-gpu webgpu]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}

	log, err := newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	setLoggers(log)

	if *interactive {
		err = runInteractive(opts)
	} else {
		err = run(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func setLoggers(log *zap.Logger) {
	device.SetLogger(log.Named("device"))
	webgpu.SetLogger(log.Named("webgpu"))
	buffer.SetLogger(log.Named("buffer"))
	kernel.SetLogger(log.Named("kernel"))
	dispatch.SetLogger(log.Named("dispatch"))
	host.SetLogger(log.Named("host"))
	engine.SetLogger(log.Named("engine"))
}

func newBackend(name string) (device.Backend, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "webgpu":
		return webgpu.New(webgpu.Config{}), nil
	default:
		return nil, fmt.Errorf("unknown gpu backend %q", name)
	}
}

func config(opts options) (runtime.Config, error) {
	backend, err := newBackend(opts.gpu)
	if err != nil {
		return runtime.Config{}, err
	}
	cfg := runtime.Config{
		Backend:          backend,
		Stdin:            os.Stdin,
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		MemoryLimitPages: uint32(opts.memPages),
		EnableThreads:    opts.threads,
	}
	if opts.envVars != "" {
		cfg.Env = make(map[string]string)
		for _, kv := range strings.Split(opts.envVars, ",") {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				cfg.Env[parts[0]] = parts[1]
			}
		}
	}
	if opts.argv != "" {
		cfg.Args = strings.Split(opts.argv, ",")
	}
	return cfg, nil
}

// readModule reads the guest and embeds the -attach kernel modules.
func readModule(opts options) ([]byte, error) {
	data, err := os.ReadFile(opts.wasmFile)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if opts.attach == "" {
		return data, nil
	}
	for _, spec := range strings.Split(opts.attach, ",") {
		idStr, path, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("attach %q: want id:file", spec)
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("attach %q: %w", spec, err)
		}
		module, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("attach %q: %w", spec, err)
		}
		data, err = runtime.AttachKernel(data, uint32(id), module)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func run(opts options) error {
	ctx := context.Background()

	data, err := readModule(opts)
	if err != nil {
		return err
	}
	cfg, err := config(opts)
	if err != nil {
		return err
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	module, err := rt.Load(ctx, data)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}

	printModule(opts.wasmFile, module)
	if opts.list {
		return nil
	}

	funcName := opts.funcName
	if funcName == "" {
		funcName = entryPoint(module.Exports())
		if funcName == "" {
			fmt.Printf("\nNo function specified and no common entry point found.\n")
			fmt.Printf("Use -func to specify a function to call.\n")
			return nil
		}
	}
	var export *runtime.Export
	for _, e := range module.Exports() {
		if e.Name == funcName {
			export = &e
			break
		}
	}
	if export == nil {
		return fmt.Errorf("function %q not exported", funcName)
	}

	var fields []string
	if opts.args != "" {
		fields = strings.Split(opts.args, ",")
	}
	args, err := encodeArgs(fields, export.Params)
	if err != nil {
		return fmt.Errorf("args: %w", err)
	}

	instance, err := module.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer instance.Close(ctx)

	fmt.Printf("\nCalling %s(%s)...\n", funcName, opts.args)
	results, err := instance.Call(ctx, funcName, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	fmt.Printf("Result: %s\n", formatResults(results, export.Results))

	for _, d := range instance.Devices() {
		fmt.Printf("Device %d: %s (%s)\n", d.Handle, d.Name, d.Kind)
	}
	return nil
}

func printModule(name string, module *runtime.Module) {
	fmt.Printf("Module: %s\n", name)
	fmt.Printf("Table slots: %d of %d\n", len(module.TableSlots()), module.TableSize())
	fmt.Printf("Kernel modules: %v\n", module.KernelIDs())
	fmt.Printf("\nExported functions:\n")
	for _, e := range module.Exports() {
		fmt.Printf("  %s\n", formatSignature(e))
	}
}

func entryPoint(exports []runtime.Export) string {
	for _, name := range []string{"_start", "run", "main"} {
		for _, e := range exports {
			if e.Name == name {
				return name
			}
		}
	}
	if len(exports) == 1 {
		return exports[0].Name
	}
	return ""
}

func formatSignature(e runtime.Export) string {
	params := make([]string, len(e.Params))
	for i, p := range e.Params {
		params[i] = fmt.Sprintf("arg%d: %s", i, api.ValueTypeName(p))
	}
	results := make([]string, len(e.Results))
	for i, r := range e.Results {
		results[i] = api.ValueTypeName(r)
	}
	out := e.Name + "(" + strings.Join(params, ", ") + ")"
	if len(results) > 0 {
		out += " -> " + strings.Join(results, ", ")
	}
	return out
}

func encodeArgs(fields []string, types []api.ValueType) ([]uint64, error) {
	if len(fields) != len(types) {
		return nil, fmt.Errorf("want %d arguments, got %d", len(types), len(fields))
	}
	args := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := encodeArg(strings.TrimSpace(f), types[i])
		if err != nil {
			return nil, fmt.Errorf("arg%d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func encodeArg(value string, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		if v, err := strconv.ParseInt(value, 0, 32); err == nil {
			return api.EncodeI32(int32(v)), nil
		}
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeU32(uint32(v)), nil
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeI64(v), nil
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return 0, err
		}
		return api.EncodeF32(float32(v)), nil
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, err
		}
		return api.EncodeF64(v), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
	}
}

func formatResults(results []uint64, types []api.ValueType) string {
	out := make([]string, len(results))
	for i, r := range results {
		t := api.ValueTypeI64
		if i < len(types) {
			t = types[i]
		}
		switch t {
		case api.ValueTypeI32:
			out[i] = strconv.FormatInt(int64(api.DecodeI32(r)), 10)
		case api.ValueTypeF32:
			out[i] = strconv.FormatFloat(float64(api.DecodeF32(r)), 'g', -1, 32)
		case api.ValueTypeF64:
			out[i] = strconv.FormatFloat(api.DecodeF64(r), 'g', -1, 64)
		default:
			out[i] = strconv.FormatInt(int64(r), 10)
		}
	}
	return "[" + strings.Join(out, ", ") + "]"
}
