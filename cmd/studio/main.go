package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"apistudio/internal/adapter/cache"
	"apistudio/internal/adapter/generator"
	"apistudio/internal/adapter/platform"
	"apistudio/internal/adapter/tui/console"
	"apistudio/internal/infra/config"
	"apistudio/internal/infra/logger"
	"apistudio/internal/infra/tracer"
	"apistudio/internal/loader"
	"apistudio/internal/usecase"
	"apistudio/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runConsole(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "generate":
		if err := runGenerate(); err != nil {
			fmt.Fprintf(os.Stderr, "generate: %v\n", err)
			os.Exit(1)
		}
	case "components":
		if err := runComponents(); err != nil {
			fmt.Fprintf(os.Stderr, "components: %v\n", err)
			os.Exit(1)
		}
	case "logs":
		if err := runLogs(); err != nil {
			fmt.Fprintf(os.Stderr, "logs: %v\n", err)
			os.Exit(1)
		}
	case "container":
		if err := runContainer(); err != nil {
			fmt.Fprintf(os.Stderr, "container: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'studio --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`studio - terminal test console for platform-hosted APIs

USAGE:
    studio [COMMAND] [FLAGS]

COMMANDS:
    generate    Generate a test harness headlessly and print the source
    components  Saved harness versions
                Subcommands: list <api-id>, activate <component-id>
    logs        Show container logs for an API
    container   Container lifecycle
                Subcommands: info, start, stop (each takes <api-id>)
    encrypt     Encrypt a secret for use as an "enc:" config value

    (no command) - Open the interactive console for an API

FLAGS:
    -h, --help        Show this help message
    --config PATH     Config file path (default: ./config.yaml)
    --api ID          Target API identifier
    --name NAME       Target API display name
    --endpoint URL    Target API endpoint URL
    --code PATH       File holding the API source snapshot
    --key KEY         Access key for the API under test
    --tail N          Log lines to fetch (logs command, default 100)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: APISTUDIO_* variables override config

EXAMPLES:
    studio --api api_123 --name orders --endpoint https://run.example.com/api_123
    studio generate --api api_123 --endpoint https://run.example.com/api_123
    studio components list api_123
    studio logs --api api_123 --tail 200`)
}

// cliFlags holds the flags shared by the console and headless commands.
type cliFlags struct {
	Config   string
	APIID    string
	APIName  string
	Endpoint string
	CodeFile string
	APIKey   string
	Tail     int
}

func parseFlags() cliFlags {
	flags := cliFlags{Config: "./config.yaml", Tail: 100}
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			flags.Config = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			flags.Config = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--api" && i+1 < len(args):
			flags.APIID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--api="):
			flags.APIID = strings.TrimPrefix(args[i], "--api=")
		case args[i] == "--name" && i+1 < len(args):
			flags.APIName = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--name="):
			flags.APIName = strings.TrimPrefix(args[i], "--name=")
		case args[i] == "--endpoint" && i+1 < len(args):
			flags.Endpoint = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--endpoint="):
			flags.Endpoint = strings.TrimPrefix(args[i], "--endpoint=")
		case args[i] == "--code" && i+1 < len(args):
			flags.CodeFile = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--code="):
			flags.CodeFile = strings.TrimPrefix(args[i], "--code=")
		case args[i] == "--key" && i+1 < len(args):
			flags.APIKey = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--key="):
			flags.APIKey = strings.TrimPrefix(args[i], "--key=")
		case args[i] == "--tail" && i+1 < len(args):
			if n, err := strconv.Atoi(args[i+1]); err == nil {
				flags.Tail = n
			}
			i++
		case strings.HasPrefix(args[i], "--tail="):
			if n, err := strconv.Atoi(strings.TrimPrefix(args[i], "--tail=")); err == nil {
				flags.Tail = n
			}
		}
	}
	if flags.APIKey == "" {
		flags.APIKey = os.Getenv("APISTUDIO_TARGET_API_KEY")
	}
	return flags
}

// appContext is everything the commands share: config, logger, tracer and
// their teardown.
type appContext struct {
	cfg     config.Config
	cleanup func()
}

func bootstrap(flags cliFlags) (*appContext, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(log)

	tracerShutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		_ = logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	return &appContext{
		cfg: cfg,
		cleanup: func() {
			_ = tracerShutdown(context.Background())
			_ = logCloser()
		},
	}, nil
}

// buildSession wires the full pipeline for one target API: stream client
// behind the circuit breaker, platform store, optional sqlite mirror, the
// harness loader and the event bus.
func buildSession(app *appContext, flags cliFlags) (*usecase.Session, *eventbus.Bus, func(), error) {
	if flags.APIID == "" {
		return nil, nil, nil, fmt.Errorf("--api is required")
	}
	if flags.Endpoint == "" {
		return nil, nil, nil, fmt.Errorf("--endpoint is required")
	}

	log := slog.Default()

	var code string
	if flags.CodeFile != "" {
		data, err := os.ReadFile(flags.CodeFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read code file: %w", err)
		}
		code = string(data)
	}

	bus := eventbus.New(log)

	genClient := generator.NewClient(app.cfg.Platform, log)
	opener := generator.NewBreakerClient(genClient, log)
	store := platform.NewClient(app.cfg.Platform, log)

	var componentCache usecase.ComponentCache
	var cacheClose func()
	if app.cfg.Cache.Enabled {
		db, err := cache.Open(app.cfg.Cache.Path)
		if err != nil {
			log.Warn("component cache unavailable", "error", err)
		} else {
			componentCache = db
			cacheClose = func() { _ = db.Close() }
		}
	}

	harnessLoader := loader.New(app.cfg.Loader, log)
	caps := loader.NewCapabilities(flags.Endpoint, flags.APIKey, nil)

	name := flags.APIName
	if name == "" {
		name = flags.APIID
	}
	session := usecase.NewSession(app.cfg.Generator, usecase.Target{
		APIID:       flags.APIID,
		APIName:     name,
		EndpointURL: flags.Endpoint,
		Code:        code,
	}, caps, usecase.Deps{
		Opener: opener,
		Loader: harnessLoader,
		Store:  store,
		Cache:  componentCache,
		Bus:    bus,
		Logger: log,
	})

	teardown := func() {
		session.Close()
		bus.Close()
		if cacheClose != nil {
			cacheClose()
		}
	}
	return session, bus, teardown, nil
}

// runConsole opens the interactive console for one API.
func runConsole() error {
	flags := parseFlags()
	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.cleanup()

	session, bus, teardown, err := buildSession(app, flags)
	if err != nil {
		return err
	}
	defer teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := flags.APIName
	if name == "" {
		name = flags.APIID
	}
	return console.NewConsole(bus, slog.Default()).Start(ctx, session, name)
}

// runGenerate performs one headless generation cycle and prints the
// finalized source to stdout.
func runGenerate() error {
	flags := parseFlags()
	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.cleanup()

	session, _, teardown, err := buildSession(app, flags)
	if err != nil {
		return err
	}
	defer teardown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Open(ctx); err != nil {
		return err
	}
	fmt.Println(session.State().DisplaySource())
	return nil
}

// runComponents handles the saved-version subcommands.
func runComponents() error {
	flags := parseFlags()
	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.cleanup()

	client := platform.NewClient(app.cfg.Platform, slog.Default())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := subArgs()
	if len(args) < 2 {
		return fmt.Errorf("usage: studio components <list <api-id> | activate <component-id>>")
	}

	switch args[0] {
	case "list":
		components, err := client.ListComponents(ctx, args[1])
		if err != nil {
			return err
		}
		if len(components) == 0 {
			fmt.Println("no saved components")
			return nil
		}
		for _, comp := range components {
			marker := " "
			if comp.Active {
				marker = "*"
			}
			fmt.Printf("%s %-28s gen=%-3d updated=%s\n",
				marker, comp.ComponentID, comp.GenerationCount,
				comp.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	case "activate":
		if err := client.ActivateComponent(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("component %s activated\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown subcommand: %s", args[0])
	}
}

// runLogs prints the tail of the target API's container logs.
func runLogs() error {
	flags := parseFlags()
	if flags.APIID == "" {
		if args := subArgs(); len(args) > 0 && !strings.HasPrefix(args[0], "-") {
			flags.APIID = args[0]
		}
	}
	if flags.APIID == "" {
		return fmt.Errorf("--api is required")
	}

	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.cleanup()

	client := platform.NewClient(app.cfg.Platform, slog.Default())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs, err := client.ContainerLogs(ctx, flags.APIID, flags.Tail)
	if err != nil {
		return err
	}
	fmt.Print(logs)
	if !strings.HasSuffix(logs, "\n") {
		fmt.Println()
	}
	return nil
}

// runContainer handles the container lifecycle subcommands.
func runContainer() error {
	args := subArgs()
	if len(args) < 2 {
		return fmt.Errorf("usage: studio container <info|start|stop> <api-id>")
	}
	action, apiID := args[0], args[1]

	flags := parseFlags()
	app, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer app.cleanup()

	client := platform.NewClient(app.cfg.Platform, slog.Default())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch action {
	case "info":
		status, err := client.ContainerInfo(ctx, apiID)
		if err != nil {
			return err
		}
		fmt.Printf("api:     %s\nstate:   %s\nhealthy: %v\n", status.APIID, status.State, status.Healthy)
		if status.Image != "" {
			fmt.Printf("image:   %s\n", status.Image)
		}
		if status.Uptime != "" {
			fmt.Printf("uptime:  %s\n", status.Uptime)
		}
		return nil
	case "start":
		if err := client.StartContainer(ctx, apiID); err != nil {
			return err
		}
		fmt.Printf("container for %s starting\n", apiID)
		return nil
	case "stop":
		if err := client.StopContainer(ctx, apiID); err != nil {
			return err
		}
		fmt.Printf("container for %s stopping\n", apiID)
		return nil
	default:
		return fmt.Errorf("unknown subcommand: %s", action)
	}
}

// runEncrypt encrypts a secret with APISTUDIO_PASSPHRASE so it can be stored
// in config.yaml as an "enc:" value.
func runEncrypt() error {
	args := subArgs()
	if len(args) < 1 {
		return fmt.Errorf("usage: studio encrypt <value>")
	}
	passphrase := os.Getenv("APISTUDIO_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("APISTUDIO_PASSPHRASE is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

// subArgs returns the positional arguments after the subcommand, with flag
// pairs stripped.
func subArgs() []string {
	var out []string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") {
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}
