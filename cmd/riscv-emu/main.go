package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/sw882882/riscv-emu/internal/config"
	"github.com/sw882882/riscv-emu/internal/devices"
	"github.com/sw882882/riscv-emu/internal/fdt"
	"github.com/sw882882/riscv-emu/internal/loader"
	"github.com/sw882882/riscv-emu/internal/rv64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "riscv-emu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine configuration file (YAML)")
	memory := flag.Uint64("memory", 0, "Memory in MB (overrides config)")
	cmdline := flag.String("cmdline", "console=ttyS0", "Kernel command line")
	dtbPath := flag.String("dtb", "", "Device tree blob (default: generated)")
	machineMode := flag.Bool("machine-mode", false, "Enter the image in M-mode with the bare boot contract instead of S-mode with SBI")
	maxSteps := flag.Uint64("max-steps", 0, "Stop after this many steps (0 = unbounded)")
	tohost := flag.String("tohost", "", "Host-exit watch address (hex); a store there halts the machine")
	tracePath := flag.String("trace", "", "Write an instruction trace to this file")
	console := flag.Bool("console", true, "Connect stdin/stdout to the UART")
	dumpRegs := flag.Bool("dump-regs", false, "Dump registers when the machine stops")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <kernel>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a RISC-V kernel or ELF image in the emulator.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -memory 256 Image.gz\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -machine-mode -tohost 0x80001000 rv64ui-p-add\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("kernel image required")
	}
	kernelPath := args[0]

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *memory != 0 {
		cfg.MemoryMB = *memory
	}
	if *cmdline != "" {
		cfg.Cmdline = *cmdline
	}

	ramSize := cfg.MemoryMB << 20
	m := rv64.NewMachine(ramSize, cfg.MachineTiming(), cfg.MachineADPolicy())

	// Devices
	clint := devices.NewCLINT(m.CPU.Cycles)
	plic := devices.NewPLIC()
	uart := devices.NewUART(os.Stdout)
	uart.OnInterrupt = func(pending bool) {
		plic.SetPending(fdt.UARTInterrupt, pending)
	}
	for _, d := range []struct {
		base uint64
		dev  rv64.Device
	}{
		{rv64.CLINTBase, clint},
		{rv64.PLICBase, plic},
		{rv64.UARTBase, uart},
	} {
		if err := m.Bus.AttachDevice(d.base, d.dev); err != nil {
			return err
		}
	}

	// Kernel image
	img, err := loader.Load(kernelPath, rv64.RAMBase)
	if err != nil {
		return err
	}
	for _, seg := range img.Segments {
		if err := m.LoadImage(seg.Addr, seg.Data); err != nil {
			return fmt.Errorf("loading kernel: %w", err)
		}
	}
	slog.Info("Kernel loaded", "path", kernelPath, "entry", fmt.Sprintf("0x%x", img.Entry))

	// Device tree
	var dtb []byte
	if *dtbPath != "" {
		dtb, err = os.ReadFile(*dtbPath)
		if err != nil {
			return fmt.Errorf("reading dtb: %w", err)
		}
	} else {
		dtb = fdt.GeneratePlatformTree(fdt.Platform{
			RAMSize: ramSize,
			Cmdline: cfg.Cmdline,
		})
	}
	dtbAddr := rv64.RAMBase + ramSize - 0x20_0000
	if err := m.LoadImage(dtbAddr, dtb); err != nil {
		return fmt.Errorf("loading dtb: %w", err)
	}

	// Host-exit watch for bare-metal test images
	if *tohost != "" {
		addr, err := strconv.ParseUint(*tohost, 0, 64)
		if err != nil {
			return fmt.Errorf("parsing -tohost: %w", err)
		}
		m.SetHostExit(addr)
	}

	if *machineMode {
		m.SetupBoot(img.Entry, dtbAddr)
	} else {
		clint.SetSupervisorTimer(true)
		m.SetupLinuxBoot(img.Entry, dtbAddr, newConsolePipe(uart), clint)
	}
	slog.Debug("Boot state ready",
		"pc", fmt.Sprintf("0x%x", m.CPU.PC), "priv", m.CPU.Priv,
		"dtb", fmt.Sprintf("0x%x", dtbAddr))

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("creating trace file: %w", err)
		}
		defer f.Close()
		m.TraceFunc = func(pc uint64, raw uint32) {
			fmt.Fprintf(f, "pc=0x%016x insn=0x%08x\n", pc, raw)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Interactive console: raw mode, stdin pumped into the UART.
	if *console && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("setting raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		go func() {
			buf := make([]byte, 64)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					// Ctrl-] detaches.
					for _, b := range buf[:n] {
						if b == 0x1d {
							stop()
							return
						}
					}
					uart.EnqueueInput(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
	}

	steps, runErr := runMachine(ctx, m, *maxSteps)

	slog.Info("Machine stopped",
		"steps", steps,
		"cycles", m.CPU.Cycles.Now(),
		"instret", m.CPU.Instret)

	if *dumpRegs {
		snap := m.Snapshot()
		snap.DumpRegisters(os.Stderr)
	}

	switch {
	case errors.Is(runErr, rv64.ErrHalt):
		if *tohost != "" {
			code := m.ExitCode()
			if code == 1 {
				fmt.Fprintln(os.Stderr, "[PASS]")
				return nil
			}
			fmt.Fprintf(os.Stderr, "[FAIL] exit code %d\n", code>>1)
			os.Exit(1)
		}
		return nil
	case errors.Is(runErr, context.Canceled):
		return nil
	case runErr != nil:
		return runErr
	}
	return nil
}

// runMachine drives the run loop, with a progress bar for bounded runs.
func runMachine(ctx context.Context, m *rv64.Machine, maxSteps uint64) (uint64, error) {
	if maxSteps == 0 {
		return m.Run(ctx, 0)
	}

	bar := progressbar.NewOptions64(int64(maxSteps),
		progressbar.OptionSetDescription("executing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	)
	defer bar.Close()

	const chunk = 1 << 20
	var total uint64
	for total < maxSteps {
		n := uint64(chunk)
		if maxSteps-total < n {
			n = maxSteps - total
		}
		steps, err := m.Run(ctx, n)
		total += steps
		bar.Add64(int64(steps))
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// consolePipe adapts the UART into the io.ReadWriter the SBI legacy
// console calls use: writes go to the UART output, reads drain stdin
// bytes queued into the UART.
type consolePipe struct {
	uart *devices.UART
}

func newConsolePipe(uart *devices.UART) *consolePipe {
	return &consolePipe{uart: uart}
}

func (c *consolePipe) Write(p []byte) (int, error) {
	if c.uart.Output != nil {
		return c.uart.Output.Write(p)
	}
	return len(p), nil
}

func (c *consolePipe) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	v, _ := c.uart.Read(5, 1) // LSR
	if v&1 == 0 {
		return 0, nil
	}
	b, _ := c.uart.Read(0, 1) // RBR
	p[0] = byte(b)
	return 1, nil
}
