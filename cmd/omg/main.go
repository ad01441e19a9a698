// omg runs compiled OMG bytecode images.
//
// Usage:
//
//	omg run program.omgb [args...]     execute an image
//	omg disasm program.omgb            print a disassembly listing
//	omg debug program.omgb [args...]   execute under the interactive debugger
//	omg dumpconfig                     show the effective configuration
//
// Exit codes: 0 on normal termination, 1 on an unhandled runtime error,
// 2 on an image/load error.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/urfave/cli.v1"

	"github.com/sentrychris/omglang/pkg/bytecode"
	"github.com/sentrychris/omglang/pkg/engine"
	"github.com/sentrychris/omglang/pkg/vm"
)

const version = "0.1.0"

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	fuelFlag = cli.Uint64Flag{
		Name:  "fuel",
		Usage: "abort execution after this many instructions (0 = unlimited)",
	}
	noColorFlag = cli.BoolFlag{
		Name:  "nocolor",
		Usage: "disable colored diagnostics",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "omg"
	app.Usage = "the OMG language runtime"
	app.Version = version
	app.Flags = []cli.Flag{configFileFlag, fuelFlag, noColorFlag}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "Execute a compiled .omgb image",
			ArgsUsage: "<file.omgb> [program args...]",
			Action:    runCmd,
		},
		{
			Name:      "disasm",
			Usage:     "Disassemble a .omgb image",
			ArgsUsage: "<file.omgb>",
			Action:    disasmCmd,
		},
		{
			Name:      "debug",
			Usage:     "Execute an image under the interactive debugger",
			ArgsUsage: "<file.omgb> [program args...]",
			Action:    debugCmd,
		},
		{
			Name:   "dumpconfig",
			Usage:  "Show configuration values",
			Action: dumpConfigCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(engine.ExitRuntime)
	}
}

// resolveConfig merges the config file (if any) with command-line flags;
// flags win.
func resolveConfig(ctx *cli.Context) (omgConfig, error) {
	cfg := defaultConfig()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.GlobalIsSet(fuelFlag.Name) {
		cfg.FuelLimit = ctx.GlobalUint64(fuelFlag.Name)
	}
	if ctx.GlobalBool(noColorFlag.Name) {
		cfg.NoColor = true
	}
	if cfg.NoColor {
		color.NoColor = true
	}
	return cfg, nil
}

func runCmd(ctx *cli.Context) error {
	return execute(ctx, nil)
}

func debugCmd(ctx *cli.Context) error {
	dbg := vm.NewDebugger()
	defer dbg.Close()
	return execute(ctx, dbg)
}

func execute(ctx *cli.Context, dbg *vm.Debugger) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("no image file specified", engine.ExitImage)
	}
	cfg, err := resolveConfig(ctx)
	if err != nil {
		fail("config error: %v", err)
		os.Exit(engine.ExitImage)
	}

	eng, err := engine.New(engine.Options{
		FuelLimit: cfg.FuelLimit,
		CacheSize: cfg.CacheSize,
		Debugger:  dbg,
	})
	if err != nil {
		return err
	}

	path := ctx.Args().First()
	img, err := bytecode.LoadFile(path)
	if err != nil {
		fail("failed to load %s: %v", path, err)
		os.Exit(engine.ExitImage)
	}

	res, err := eng.Run(img, ctx.Args().Tail())
	for _, line := range res.Stdout {
		fmt.Println(line)
	}
	if err != nil {
		for _, d := range res.Diagnostics {
			fail("%s", d.Message)
		}
		os.Exit(engine.ExitCode(err))
	}
	return nil
}

func disasmCmd(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("usage: omg disasm <file.omgb>", engine.ExitImage)
	}
	path := ctx.Args().First()
	img, err := bytecode.LoadFile(path)
	if err != nil {
		fail("failed to load %s: %v", path, err)
		os.Exit(engine.ExitImage)
	}
	return bytecode.Disassemble(img, os.Stdout)
}

func dumpConfigCmd(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	return dumpConfig(cfg)
}

func fail(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
}
