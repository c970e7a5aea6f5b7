// mpbridge exposes a locally running MicroPython unix-port REPL as a
// network serial device: RFC 2217 on one port, a raw byte socket on
// another. mpremote and other pyserial-based tools connect to either as if
// the interpreter sat on a physical USB-serial port. Only one client may be
// connected at a time across both ports.
//
//	mpbridge                                # default MicroPython build path
//	mpbridge -p 2217 -s 2218 -v ./micropython
//	mpremote connect socket://localhost:2218    # fast
//	mpremote connect rfc2217://localhost:2217   # compatible
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"mpbridge/internal/bridge"
	"mpbridge/internal/interp"
	"mpbridge/internal/monitor"
	"mpbridge/internal/watcher"
)

// defaultBinary is the well-known location of a MicroPython unix-port
// build, relative to a micropython source checkout.
const defaultBinary = "ports/unix/build-standard/micropython"

type options struct {
	Port        int      `short:"p" long:"port" default:"2217" description:"RFC 2217 TCP port"`
	SocketPort  int      `short:"s" long:"socket-port" default:"2218" description:"Raw socket TCP port (0 to disable)"`
	Host        string   `short:"H" long:"host" description:"Local host/interface to bind to (default: all interfaces)"`
	MonitorPort int      `short:"m" long:"monitor-port" description:"HTTP/WebSocket traffic monitor port (0 to disable)"`
	Verbose     []bool   `short:"v" long:"verbose" description:"Increase bridge verbosity (repeatable)"`
	WatchBinary bool     `long:"watch-binary" description:"Restart the interpreter when its binary is rebuilt"`
	Cwd         string   `long:"cwd" description:"Working directory for MicroPython (filesystem root for the unix port)"`
	Optimize    []bool   `short:"O" description:"Bytecode optimization, passed to MicroPython (repeatable)"`
	ImplOpts    []string `short:"X" description:"Implementation-specific option passed to MicroPython (e.g. heapsize=4M)"`
	MPVerbose   []bool   `long:"mp-verbose" description:"MicroPython verbose mode (repeatable)"`
	ExtraArgs   string   `long:"micropython-args" description:"Additional arguments passed to MicroPython"`

	Args struct {
		MicroPythonPath string `positional-arg-name:"MICROPYTHON_PATH"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	binary, err := resolveBinary(opts.Args.MicroPythonPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if opts.Cwd != "" {
		info, err := os.Stat(opts.Cwd)
		if err != nil || !info.IsDir() {
			log.Fatalf("working directory does not exist: %s", opts.Cwd)
		}
		opts.Cwd, _ = filepath.Abs(opts.Cwd)
	}

	debug := len(opts.Verbose) > 0
	command := buildCommand(binary, &opts)

	log.Printf("mpbridge - type Ctrl-C to quit")
	log.Printf("starting MicroPython: %s", strings.Join(command, " "))
	if opts.Cwd != "" {
		log.Printf("MicroPython working directory: %s", opts.Cwd)
	}

	console, err := interp.NewConsole(func() (*interp.Process, error) {
		return interp.StartProcess(command, opts.Cwd)
	}, debug)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("MicroPython process persists across connections")

	var mon *monitor.Hub
	var monServer *http.Server
	if opts.MonitorPort > 0 {
		mon = monitor.NewHub()
		monServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", opts.Host, opts.MonitorPort),
			Handler: mon.Handler(),
		}
	}

	rawAddr := ""
	if opts.SocketPort > 0 {
		rawAddr = fmt.Sprintf("%s:%d", opts.Host, opts.SocketPort)
	}
	br := bridge.New(console, mon, bridge.Config{
		RFC2217Addr: fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		RawAddr:     rawAddr,
		Debug:       debug,
	})

	if mon != nil {
		startTime := time.Now()
		mon.StatusFunc = func() monitor.Status {
			id, proto, _ := br.ActiveSession()
			return monitor.Status{
				ActiveSession:    id,
				ActiveProto:      proto,
				InterpreterAlive: console.Alive(),
				UptimeSeconds:    int64(time.Since(startTime).Seconds()),
			}
		}
		go func() {
			log.Printf("traffic monitor listening on %s", monServer.Addr)
			if err := monServer.ListenAndServe(); err != http.ErrServerClosed {
				log.Printf("monitor server error: %v", err)
			}
		}()
	}

	var binWatch *watcher.BinaryWatcher
	if opts.WatchBinary {
		binWatch, err = watcher.New(binary, br.OnBinaryChange)
		if err != nil {
			log.Printf("could not watch interpreter binary: %v", err)
		}
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down bridge...")
		if binWatch != nil {
			binWatch.Shutdown()
		}
		if monServer != nil {
			monServer.Close()
		}
		br.Shutdown()
		console.Close()
	}()

	if err := br.ListenAndServe(); err != nil {
		console.Close()
		log.Fatalf("%v", err)
	}
	log.Printf("--- exit ---")
}

// resolveBinary picks the interpreter executable: the positional argument,
// the well-known unix-port build path, or a micropython on PATH.
func resolveBinary(arg string) (string, error) {
	path := arg
	if path == "" {
		if _, err := os.Stat(defaultBinary); err == nil {
			path = defaultBinary
		} else if found, err := exec.LookPath("micropython"); err == nil {
			path = found
		} else {
			return "", fmt.Errorf("MicroPython executable not found: %s (and no micropython on PATH)", defaultBinary)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("MicroPython executable not found: %s", path)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return "", fmt.Errorf("MicroPython executable is not executable: %s", path)
	}
	return path, nil
}

// buildCommand assembles the interpreter command line from the passthrough
// options.
func buildCommand(binary string, opts *options) []string {
	cmd := []string{binary}
	for range opts.MPVerbose {
		cmd = append(cmd, "-v")
	}
	for range opts.Optimize {
		cmd = append(cmd, "-O")
	}
	for _, opt := range opts.ImplOpts {
		cmd = append(cmd, "-X", opt)
	}
	if opts.ExtraArgs != "" {
		cmd = append(cmd, strings.Fields(opts.ExtraArgs)...)
	}
	return cmd
}
