package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"meshota/internal/api"
	"meshota/internal/config"
	"meshota/internal/logging"
	"meshota/internal/node"
	"meshota/internal/slot"
)

const usage = `meshota - mesh firmware update control plane

Usage:
  meshota gateway serve --config <path>
  meshota node run --config <path>
  meshota image pack --version <M.m.p> --in <payload> --out <image>
  meshota image install --config <path> --in <image>
  meshota download --api <addr> --url <url>
  meshota status --api <addr>
  meshota cancel --api <addr>
  meshota distribute --api <addr> [--status|--cancel]
  meshota reboot --api <addr> [--timeout <sec>] [--delay <ms>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "gateway":
		handleGateway(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	case "image":
		handleImage(os.Args[2:])
	case "download":
		handleDownload(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "cancel":
		handleCancel(os.Args[2:])
	case "distribute":
		handleDistribute(os.Args[2:])
	case "reboot":
		handleReboot(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func handleGateway(args []string) {
	if len(args) < 1 || args[0] != "serve" {
		fatal(errors.New("usage: meshota gateway serve --config <path>"))
	}
	cfg := loadServeConfig(args[1:])
	if cfg.Gateway == nil {
		fatal(errors.New("config has no gateway section"))
	}

	ctx := signalContext()
	if err := node.RunGateway(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleNode(args []string) {
	if len(args) < 1 || args[0] != "run" {
		fatal(errors.New("usage: meshota node run --config <path>"))
	}
	cfg := loadServeConfig(args[1:])

	ctx := signalContext()
	if err := node.RunPeer(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleImage(args []string) {
	if len(args) < 1 {
		fatal(errors.New("usage: meshota image pack|install ..."))
	}
	switch args[0] {
	case "pack":
		fs := flag.NewFlagSet("image pack", flag.ExitOnError)
		ver := fs.String("version", "", "firmware version (MAJOR.MINOR.PATCH)")
		in := fs.String("in", "", "payload file")
		out := fs.String("out", "", "output image file")
		_ = fs.Parse(args[1:])
		if *ver == "" || *in == "" || *out == "" {
			fatal(errors.New("--version, --in and --out are required"))
		}

		payload, err := os.ReadFile(*in)
		if err != nil {
			fatal(err)
		}
		img, err := slot.BuildImage(*ver, payload)
		if err != nil {
			fatal(err)
		}
		if err := os.WriteFile(*out, img, 0o644); err != nil {
			fatal(err)
		}
		fmt.Printf("packed %s: %d bytes, version %s\n", *out, len(img), *ver)

	case "install":
		fs := flag.NewFlagSet("image install", flag.ExitOnError)
		cfgPath := fs.String("config", "", "config file")
		in := fs.String("in", "", "image file")
		_ = fs.Parse(args[1:])
		if *cfgPath == "" || *in == "" {
			fatal(errors.New("--config and --in are required"))
		}

		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fatal(err)
		}
		if err := config.Validate(cfg); err != nil {
			fatal(err)
		}
		img, err := os.ReadFile(*in)
		if err != nil {
			fatal(err)
		}
		slots, err := slot.Open(filepath.Join(cfg.Node.DataDir, "slots"))
		if err != nil {
			fatal(err)
		}
		if err := slots.InstallActive(img); err != nil {
			fatal(err)
		}
		ver, _ := slots.ActiveVersion()
		fmt.Printf("installed version %s into active slot %d\n", ver, slots.Active())

	default:
		fatal(fmt.Errorf("unknown image subcommand %q", args[0]))
	}
}

func handleDownload(args []string) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:8080", "gateway API address")
	url := fs.String("url", "", "firmware image URL")
	_ = fs.Parse(args)
	if *url == "" {
		fatal(errors.New("--url is required"))
	}

	client := api.NewClient(*apiAddr)
	if err := client.Download(context.Background(), *url); err != nil {
		fatal(err)
	}
	fmt.Println("download started")
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:8080", "gateway API address")
	_ = fs.Parse(args)

	client := api.NewClient(*apiAddr)
	st, err := client.Status(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Printf("downloading=%v progress=%.1f%%\n", st.Downloading, st.Progress*100)
}

func handleCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:8080", "gateway API address")
	_ = fs.Parse(args)

	client := api.NewClient(*apiAddr)
	if err := client.CancelDownload(context.Background()); err != nil {
		fatal(err)
	}
	fmt.Println("download cancelled")
}

func handleDistribute(args []string) {
	fs := flag.NewFlagSet("distribute", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:8080", "gateway API address")
	showStatus := fs.Bool("status", false, "show distribution status")
	cancel := fs.Bool("cancel", false, "cancel the running session")
	_ = fs.Parse(args)

	client := api.NewClient(*apiAddr)
	switch {
	case *showStatus:
		st, err := client.DistributionStatus(context.Background())
		if err != nil {
			fatal(err)
		}
		if !st.Active {
			fmt.Println("no distribution in progress")
			return
		}
		fmt.Printf("session=%s version=%s progress=%.1f%% complete=%d/%d failed=%v\n",
			st.SessionID, st.Version, st.Progress*100, st.CompleteTargets, st.Targets, st.FailedTargets)
	case *cancel:
		if err := client.CancelDistribution(context.Background()); err != nil {
			fatal(err)
		}
		fmt.Println("distribution cancelled")
	default:
		if err := client.Distribute(context.Background()); err != nil {
			fatal(err)
		}
		fmt.Println("distribution started")
	}
}

func handleReboot(args []string) {
	fs := flag.NewFlagSet("reboot", flag.ExitOnError)
	apiAddr := fs.String("api", "127.0.0.1:8080", "gateway API address")
	timeout := fs.Int("timeout", 10, "prepare phase timeout in seconds")
	delay := fs.Int("delay", 0, "reboot delay in milliseconds")
	_ = fs.Parse(args)

	client := api.NewClient(*apiAddr)
	req := api.RebootRequest{TimeoutSec: *timeout, DelayMS: *delay}
	if err := client.Reboot(context.Background(), req); err != nil {
		fatal(err)
	}
	fmt.Println("coordinated reboot started")
}

func loadServeConfig(args []string) config.Config {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file")
	_ = fs.Parse(args)
	if *cfgPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := logging.Setup(cfg.Node.LogLevel, cfg.Node.LogFile); err != nil {
		fatal(err)
	}
	return cfg
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// Second signal kills immediately.
		<-ch
		os.Exit(1)
	}()
	return ctx
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
