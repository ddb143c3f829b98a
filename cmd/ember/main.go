// ember CLI - runs an encoded module on the runtime and optionally serves
// the message gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/ember/manifest"
	"github.com/chazu/ember/server"
	"github.com/chazu/ember/store"
	"github.com/chazu/ember/vm"
	"github.com/chazu/ember/vm/term"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("ember.cli")

func main() {
	configDir := flag.String("config", ".", "Directory to search for ember.toml")
	storePath := flag.String("store", "", "Module store database (overrides ember.toml)")
	moduleName := flag.String("module", "", "Run the named module from the store")
	putFile := flag.String("put", "", "Store the given encoded module under -module and exit")
	listModules := flag.Bool("list", false, "List stored modules and exit")
	serveAddr := flag.String("serve", "", "Serve the message gateway on this address")
	verbosity := flag.Int("v", 0, "Log verbosity (0 errors only, 1 info, 2 debug)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	demo := flag.Bool("demo", false, "Run the built-in ping/pong program")
	pings := flag.Int("pings", 3, "Number of pings exchanged by -demo")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ember [options] [module.cbor]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an encoded module on the ember runtime.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ember -demo                          # Run the ping/pong demo\n")
		fmt.Fprintf(os.Stderr, "  ember app.cbor                       # Run a module file\n")
		fmt.Fprintf(os.Stderr, "  ember -module app -put app.cbor      # Store a module\n")
		fmt.Fprintf(os.Stderr, "  ember -module app -serve :7420       # Run a stored module behind the gateway\n")
	}
	flag.Parse()

	var logPath *string
	if *logFile != "" {
		logPath = logFile
	}
	commonlog.Configure(*verbosity, logPath)

	if err := run(options{
		configDir:  *configDir,
		storePath:  *storePath,
		moduleName: *moduleName,
		putFile:    *putFile,
		list:       *listModules,
		serveAddr:  *serveAddr,
		demo:       *demo,
		pings:      *pings,
		file:       flag.Arg(0),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configDir  string
	storePath  string
	moduleName string
	putFile    string
	list       bool
	serveAddr  string
	demo       bool
	pings      int
	file       string
}

func run(opts options) error {
	m, err := manifest.FindAndLoad(opts.configDir)
	if err != nil {
		return err
	}
	if m == nil {
		m = manifest.Default()
	}
	if opts.storePath != "" {
		m.Store.Path = opts.storePath
	}
	if opts.moduleName == "" {
		opts.moduleName = m.Program.Module
	}
	if opts.serveAddr == "" {
		opts.serveAddr = m.Gateway.Listen
	}

	if opts.putFile != "" || opts.list {
		return manageStore(m, opts)
	}

	v := vm.NewVM(m.Config())
	defer v.Close()

	var root *vm.Process
	if opts.demo {
		root, err = bootDemo(v, opts.pings)
	} else {
		root, err = bootModule(v, m, opts)
	}
	if err != nil {
		return err
	}
	if err := v.Register("main", root.Handle); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, v, m, opts.serveAddr); err != nil {
		return err
	}

	log.Infof("root process: %s", root.Outcome())
	if root.Failed() {
		return fmt.Errorf("root process failed: %s", root.Outcome())
	}
	return nil
}

// serve runs the scheduler and, when addr is set, the gateway next to it.
// The gateway stops when the scheduler does.
func serve(ctx context.Context, v *vm.VM, m *manifest.Manifest, addr string) error {
	if addr == "" {
		if err := v.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	gw := server.NewGateway(v, server.WithDeliverTimeout(m.Gateway.DeliverTimeout))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer gw.Stop()
		return v.Run(ctx)
	})
	g.Go(func() error {
		if err := gw.ListenAndServe(addr); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bootModule loads the entry block from a file or the store and starts it
// as the root process.
func bootModule(v *vm.VM, m *manifest.Manifest, opts options) (*vm.Process, error) {
	var data []byte
	var err error
	switch {
	case opts.file != "":
		data, err = os.ReadFile(opts.file)
	case m.ModulePath() != "" && opts.moduleName == "":
		data, err = os.ReadFile(m.ModulePath())
	case opts.moduleName != "":
		var s *store.Store
		if s, err = store.Open(m.StorePath()); err != nil {
			return nil, err
		}
		data, err = s.Get(opts.moduleName)
		s.Close()
	default:
		return nil, errors.New("no module given; use a file argument, -module or -demo")
	}
	if err != nil {
		return nil, err
	}
	entry, err := term.Decode(v, data)
	if err != nil {
		return nil, fmt.Errorf("loading module: %w", err)
	}
	return v.Boot(entry)
}

func manageStore(m *manifest.Manifest, opts options) error {
	s, err := store.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.putFile != "" {
		if opts.moduleName == "" {
			return errors.New("-put needs -module")
		}
		data, err := os.ReadFile(opts.putFile)
		if err != nil {
			return err
		}
		// Refuse to store something that does not decode.
		if _, err := term.Unmarshal(data); err != nil {
			return err
		}
		digest, err := s.Put(opts.moduleName, data)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", opts.moduleName, digest)
	}
	if opts.list {
		mods, err := s.List()
		if err != nil {
			return err
		}
		for _, mod := range mods {
			fmt.Printf("%-20s %s %6d %s\n", mod.Name, mod.Digest[:12], mod.Size, mod.Updated.Format("2006-01-02 15:04"))
		}
	}
	return nil
}
