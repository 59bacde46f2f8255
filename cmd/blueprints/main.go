package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/blueprints-rt/blueprints/internal/api"
	"github.com/blueprints-rt/blueprints/internal/board"
	"github.com/blueprints-rt/blueprints/internal/config"
	"github.com/blueprints-rt/blueprints/internal/model"
	"github.com/blueprints-rt/blueprints/internal/session"
)

const BlueprintsVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", 0)
}

func main() {
	usage := `Blueprints.

The default urls come from BLUEPRINTS_API_BASE, BLUEPRINTS_STOMP_BASE and
BLUEPRINTS_IO_BASE, or http://localhost:3001.

Points are written x,y on the command line and "x y" per line on stdin.

Usage:
    blueprints list [options] --author=<author>
    blueprints show [options] --author=<author> --name=<name>
    blueprints create [options] --author=<author> --name=<name>
    blueprints save [options] --author=<author> --name=<name> [<point>...]
    blueprints delete [options] --author=<author> --name=<name>
    blueprints draw [options] --author=<author> --name=<name> [--tech=<tech>] [--wait=<wait>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --api_url=<api_url>    Persistence API base url.
    --stomp_url=<url>      STOMP broker base url.
    --io_url=<url>         Socket.IO base url.
    --tech=<tech>          Realtime transport, socketio or stomp [default: socketio].
    --wait=<wait>          How long draw waits for the live feed [default: 10s].
    --v=<level>            Log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BlueprintsVersion)
	if err != nil {
		panic(err)
	}

	initLogging(opts)
	defer glog.Flush()

	cfg := loadConfig(opts)

	if list_, _ := opts.Bool("list"); list_ {
		err = list(cfg, opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		err = show(cfg, opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		err = create(cfg, opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		err = save(cfg, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		err = remove(cfg, opts)
	} else if draw_, _ := opts.Bool("draw"); draw_ {
		err = draw(cfg, opts)
	}

	if err != nil {
		Err.Printf("%s", api.Message(err))
		glog.Flush()
		os.Exit(1)
	}
}

func initLogging(opts docopt.Opts) {
	flag.CommandLine.Parse(nil)
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--v"); err == nil && level != "" {
		flag.Set("v", level)
	}
}

func loadConfig(opts docopt.Opts) config.Client {
	if err := config.LoadEnvFile(".env"); err != nil {
		glog.Infof("[config] %v", err)
	}
	cfg := config.LoadClient()
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		cfg.APIBase = apiUrl
	}
	if stompUrl, err := opts.String("--stomp_url"); err == nil && stompUrl != "" {
		cfg.StompBase = stompUrl
	}
	if ioUrl, err := opts.String("--io_url"); err == nil && ioUrl != "" {
		cfg.IOBase = ioUrl
	}
	return cfg
}

func identity(opts docopt.Opts) (string, string) {
	author, _ := opts.String("--author")
	name, _ := opts.String("--name")
	return author, name
}

func list(cfg config.Client, opts docopt.Opts) error {
	author, _ := opts.String("--author")

	blueprints, err := api.NewClient(cfg.APIBase).List(context.Background(), author)
	if err != nil {
		return err
	}
	for _, bp := range blueprints {
		Out.Printf("%s\t%d points", bp.Name, len(bp.Points))
	}
	Out.Printf("total\t%d points", model.TotalPoints(blueprints))
	return nil
}

func show(cfg config.Client, opts docopt.Opts) error {
	author, name := identity(opts)

	bp, err := api.NewClient(cfg.APIBase).Get(context.Background(), author, name)
	if err != nil {
		return err
	}
	for _, p := range bp.Points {
		Out.Printf("%d %d", p.X, p.Y)
	}
	return nil
}

func create(cfg config.Client, opts docopt.Opts) error {
	author, name := identity(opts)

	if err := api.NewClient(cfg.APIBase).Create(context.Background(), author, name); err != nil {
		return err
	}
	Out.Printf("created %s/%s", author, name)
	return nil
}

func save(cfg config.Client, opts docopt.Opts) error {
	author, name := identity(opts)

	args, _ := opts["<point>"].([]string)
	points := make([]model.Point, 0, len(args))
	for _, arg := range args {
		p, err := parsePoint(strings.ReplaceAll(arg, ",", " "))
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	if err := api.NewClient(cfg.APIBase).Save(context.Background(), author, name, points); err != nil {
		return err
	}
	Out.Printf("saved %d points to %s/%s", len(points), author, name)
	return nil
}

func remove(cfg config.Client, opts docopt.Opts) error {
	author, name := identity(opts)

	if err := api.NewClient(cfg.APIBase).Delete(context.Background(), author, name); err != nil {
		return err
	}
	Out.Printf("deleted %s/%s", author, name)
	return nil
}

// draw joins the live feed of a blueprint and publishes points read from
// stdin until EOF or a signal.
func draw(cfg config.Client, opts docopt.Opts) error {
	author, name := identity(opts)
	tech, _ := opts.String("--tech")
	kind, err := model.ParseTransportKind(tech)
	if err != nil {
		return err
	}
	waitFlag, _ := opts.String("--wait")
	wait, err := time.ParseDuration(waitFlag)
	if err != nil {
		return fmt.Errorf("invalid --wait %q: %w", waitFlag, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := api.NewClient(cfg.APIBase)
	store := board.NewStore()
	bp, err := client.Get(ctx, author, name)
	switch {
	case errors.Is(err, model.ErrBlueprintNotFound):
		glog.V(1).Infof("[draw] %s/%s does not exist yet, starting empty", author, name)
	case err != nil:
		return err
	default:
		store.Replace(bp.Points)
	}
	if last, ok := store.Last(); ok {
		Out.Printf("%s/%s: %d points, last at %d %d", author, name, store.Len(), last.X, last.Y)
	} else {
		Out.Printf("%s/%s: no points yet", author, name)
	}

	s := session.New(session.NewFactory(cfg.Endpoints()), store)
	defer s.Teardown()

	return runDraw(ctx, s, kind, author, name, os.Stdin, wait)
}

// runDraw attaches s to (author, name), waits up to wait for the feed, then
// publishes every point read from in. The caller tears s down, which lets
// the transport flush what was published.
func runDraw(ctx context.Context, s *session.Session, kind model.TransportKind, author, name string, in io.Reader, wait time.Duration) error {
	err := s.Start(ctx, kind, author, name, func(u session.Update) {
		switch u.Mode {
		case model.UpdateAppend:
			Out.Printf("+ %d %d\t(%d points)", u.Point.X, u.Point.Y, len(u.Points))
		case model.UpdateReplace:
			Out.Printf("= %d points", len(u.Points))
		}
	})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	err = s.WaitSubscribed(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("live feed for %s/%s: %w", author, name, err)
	}

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			p, err := parsePoint(line)
			if err != nil {
				Err.Printf("%v", err)
				continue
			}
			if !s.PublishDraw(p) {
				Err.Printf("%d %d kept locally (%s)", p.X, p.Y, s.State())
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// parsePoint parses "x y".
func parsePoint(s string) (model.Point, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return model.Point{}, fmt.Errorf("%w: %q", model.ErrInvalidPoint, s)
	}
	x, errX := strconv.Atoi(fields[0])
	y, errY := strconv.Atoi(fields[1])
	if errX != nil || errY != nil {
		return model.Point{}, fmt.Errorf("%w: %q", model.ErrInvalidPoint, s)
	}
	p := model.Point{X: x, Y: y}
	return p, p.Validate()
}
