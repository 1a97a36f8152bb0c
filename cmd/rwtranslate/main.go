package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"

	"rusted-workshop-web/admin"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/session"
	"rusted-workshop-web/tasks"
	"rusted-workshop-web/utils"
)

var (
	action   = flag.String("action", "", "Action to perform: events, create, restore, watch, cancel, retry, download, list, batch-cancel, logs, languages, config, inspect, login, logout, admin-config, admin-set, admin-tasks, admin-delete, cleanup, audit")
	filePath = flag.String("file", "", "Path to a .rwmod archive (create, inspect)")
	taskKey  = flag.String("key", "", "Task key")
	keys     = flag.String("keys", "", "Comma-separated task keys (batch-cancel)")
	language = flag.String("language", "", "Target language (defaults to DEFAULT_LANGUAGE)")
	style    = flag.String("style", "", "Translation style (defaults to DEFAULT_STYLE)")
	outDir   = flag.String("dir", ".", "Directory for downloaded results")
	watch    = flag.Bool("watch", true, "Follow the task until it finishes (create, retry)")
	page     = flag.Int("page", 1, "Page number (list, admin-tasks)")
	limit    = flag.Int("limit", 20, "Page size or number of entries")
	status   = flag.String("status", "", "Status filter (admin-tasks)")
	password = flag.String("password", "", "Admin password (login); prompted when empty")
	settings = flag.String("set", "", "Comma-separated key=value pairs (admin-set)")
	days     = flag.Int("days", 30, "Age in days (cleanup)")
	dryRun   = flag.Bool("dry-run", true, "Only report what cleanup would remove")
	force    = flag.Bool("force", false, "Skip confirmation prompts")
	verbose  = flag.Bool("verbose", false, "Write logs to stdout and the log file")
	noBanner = flag.Bool("no-banner", false, "Do not print the start banner")
	viaProxy = flag.Bool("via-proxy", false, "Download through the proxy's download route")
	envFile  = flag.String("env", ".env", "Environment file to load before reading the environment")
)

type app struct {
	config  *utils.Config
	logger  *utils.Logger
	client  *tasks.Client
	admin   *admin.Client
	console *notify.Console
	notes   notify.Notifier
	stdin   *bufio.Reader
}

func main() {
	flag.Parse()

	if *action == "" {
		printUsage()
		os.Exit(1)
	}

	config, err := utils.LoadConfigFile(*envFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewNopLogger()
	if *verbose {
		logger, err = utils.NewLogger(config)
		if err != nil {
			fmt.Printf("Error initializing logger: %v\n", err)
			os.Exit(1)
		}
	}

	if !*noBanner {
		color.New(color.FgCyan).Println(figure.NewFigure("Rusted Workshop", "small", true).String())
	}

	a := &app{
		config:  config,
		logger:  logger,
		client:  tasks.NewClient(config.ProxyURL, nil, logger),
		admin:   admin.NewClient(config.ProxyURL, session.NewFileStore(config.TokenPath), nil, logger),
		console: notify.NewConsole(os.Stdout),
		stdin:   bufio.NewReader(os.Stdin),
	}
	a.notes = a.notifier()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.run(ctx, *action); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, name string) error {
	switch name {
	case "events":
		return a.events(ctx)
	case "create":
		return a.create(ctx)
	case "restore", "watch":
		return a.restore(ctx, name == "watch")
	case "cancel":
		return a.cancel(ctx)
	case "retry":
		return a.retry(ctx)
	case "download":
		return a.download(ctx)
	case "list":
		return a.list(ctx)
	case "batch-cancel":
		return a.batchCancel(ctx)
	case "logs":
		return a.logs(ctx)
	case "languages":
		return a.languages(ctx)
	case "config":
		return a.publicConfig(ctx)
	case "inspect":
		return a.inspect()
	case "login":
		return a.login(ctx)
	case "logout":
		return a.logout(ctx)
	case "admin-config":
		return a.adminConfig(ctx)
	case "admin-set":
		return a.adminSet(ctx)
	case "admin-tasks":
		return a.adminTasks(ctx)
	case "admin-delete":
		return a.adminDelete(ctx)
	case "cleanup":
		return a.cleanup(ctx)
	case "audit":
		return a.audit(ctx)
	default:
		printUsage()
		return fmt.Errorf("unknown action: %s", name)
	}
}

// notifier prints to the console and forwards to Telegram and NATS when
// they are configured. A sink that cannot be set up is skipped.
func (a *app) notifier() notify.Notifier {
	multi := notify.NewMulti(a.logger, a.console)

	if a.config.TelegramBotToken != "" && a.config.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(a.config.TelegramBotToken, a.config.TelegramChatID, "", a.logger)
		if err != nil {
			color.Yellow("Telegram notifications disabled: %v", err)
		} else {
			multi.Add(tg)
		}
	}
	if a.config.NATSURL != "" {
		nc, err := notify.ConnectNATS(a.config.NATSURL, a.config.NATSSubject, a.logger)
		if err != nil {
			color.Yellow("NATS notifications disabled: %v", err)
		} else {
			multi.Add(nc)
		}
	}
	return multi
}

// events prints notifications from every client sharing the NATS subject
// until interrupted.
func (a *app) events(ctx context.Context) error {
	if a.config.NATSURL == "" {
		return fmt.Errorf("NATS_URL is not set")
	}
	nc, err := notify.ConnectNATS(a.config.NATSURL, a.config.NATSSubject, a.logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	sub, err := nc.Subscribe(func(n notify.Notification) {
		_ = a.console.Notify(ctx, n)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	fmt.Printf("Listening on %s, press Ctrl+C to stop\n", a.config.NATSSubject)
	<-ctx.Done()
	return nil
}

// confirm asks on stdin unless -force is set.
func (a *app) confirm(prompt string) bool {
	if *force {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := a.stdin.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printError(err error) {
	if apiErr := utils.AsAPIError(err); apiErr != nil && apiErr.Code != utils.ErrCodeAPI {
		color.Red("Error [%s]: %s", apiErr.Code, apiErr.Message)
		return
	}
	color.Red("Error: %v", err)
}

func printUsage() {
	fmt.Println("Rusted Workshop translation client")
	fmt.Println()
	fmt.Println("Usage: rwtranslate -action=<action> [options]")
	fmt.Println()
	fmt.Println("Task actions:")
	fmt.Println("  create        Upload a .rwmod archive and follow the task")
	fmt.Println("  restore       Look a task up by key")
	fmt.Println("  watch         Look a task up by key and follow it")
	fmt.Println("  cancel        Cancel a task")
	fmt.Println("  retry         Retry a failed task")
	fmt.Println("  download      Save the translated archive")
	fmt.Println("  list          List recent tasks")
	fmt.Println("  batch-cancel  Cancel several tasks")
	fmt.Println("  logs          Show a task's backend log")
	fmt.Println("  languages     Show the target languages")
	fmt.Println("  config        Show the public service config")
	fmt.Println("  inspect       Check an archive locally before uploading")
	fmt.Println("  events        Print lifecycle notifications published on NATS")
	fmt.Println()
	fmt.Println("Admin actions:")
	fmt.Println("  login, logout, admin-config, admin-set, admin-tasks, admin-delete, cleanup, audit")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  rwtranslate -action=create -file=units.rwmod -language=ja")
	fmt.Println("  rwtranslate -action=download -key=ABC-123 -dir=out")
	fmt.Println("  rwtranslate -action=admin-set -set=max_queue_size=20,system_status=maintenance")
	fmt.Println()
	flag.PrintDefaults()
}
