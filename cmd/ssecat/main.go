// Command ssecat transcodes an SSE stream from stdin or a configured
// upstream and writes it to stdout in another protocol.
//
//	ssecat --from openai --to anthropic < chat.sse
//	ssecat --upstream claude --body request.json --to openai
//	ssecat --from gemini --events < gemini.sse
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/tjfontaine/polyglot-llm-transcoder/internal/codec"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/config"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/registration"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/stream"
	"github.com/tjfontaine/polyglot-llm-transcoder/internal/upstream"
)

type options struct {
	from     string
	to       string
	events   bool
	repair   bool
	model    string
	upstream string
	body     string
	config   string
	verbose  bool
}

func main() {
	_ = godotenv.Load()

	var opts options
	cmd := &cli.Command{
		Name:  "ssecat",
		Usage: "transcode LLM SSE streams between vendor protocols",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Aliases: []string{"f"}, Usage: "protocol of the input stream", Destination: &opts.from},
			&cli.StringFlag{Name: "to", Aliases: []string{"t"}, Usage: "protocol to encode into", Destination: &opts.to},
			&cli.BoolFlag{Name: "events", Usage: "print unified events as JSON lines", Destination: &opts.events},
			&cli.BoolFlag{Name: "repair", Usage: "repair truncated JSON payloads", Destination: &opts.repair},
			&cli.StringFlag{Name: "model", Usage: "model name when the stream omits one", Destination: &opts.model},
			&cli.StringFlag{Name: "upstream", Aliases: []string{"u"}, Usage: "configured upstream to stream from", Destination: &opts.upstream},
			&cli.StringFlag{Name: "body", Aliases: []string{"b"}, Usage: "request body file for --upstream (- for stdin)", Destination: &opts.body},
			&cli.StringFlag{Name: "config", Value: config.DefaultPath, Usage: "config file", Destination: &opts.config},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log dropped frames and events", Destination: &opts.verbose},
		},
		Commands: []*cli.Command{
			{
				Name:  "protocols",
				Usage: "list supported protocols",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					registration.RegisterBuiltins()
					for _, f := range codec.ListFactories() {
						fmt.Fprintf(cmd.Root().Writer, "%-18s %s\n", f.Protocol, f.Description)
					}
					return nil
				},
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, opts, cmd.Root().Reader, cmd.Root().Writer)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ssecat:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registration.RegisterBuiltins()

	input, from, err := openInput(ctx, opts, stdin)
	if err != nil {
		return err
	}
	defer input.Close()

	dec, err := codec.Lookup(from)
	if err != nil {
		return err
	}
	codecOpts := []codec.Option{codec.WithLogger(logger), codec.WithJSONRepair(opts.repair)}
	if opts.model != "" {
		codecOpts = append(codecOpts, codec.WithModel(opts.model))
	}

	var sink func(domain.StreamEvent) error
	switch {
	case opts.events:
		enc := json.NewEncoder(stdout)
		sink = func(ev domain.StreamEvent) error { return enc.Encode(ev) }
	case opts.to != "":
		target, err := codec.Lookup(opts.to)
		if err != nil {
			return err
		}
		enc := target.NewEncoder(codecOpts...)
		sink = func(ev domain.StreamEvent) error {
			b, err := enc.SerializeEvent(ev)
			if err != nil {
				logger.Warn("event dropped", slog.String("event", string(ev.Type)), slog.String("error", err.Error()))
				return nil
			}
			_, err = stdout.Write(b)
			return err
		}
	default:
		return fmt.Errorf("one of --to or --events is required")
	}

	driver := stream.NewDriver(dec.NewDecoder(codecOpts...),
		stream.WithDriverLogger(logger),
		stream.WithProtocol(string(dec.Protocol)),
	)
	return driver.Run(ctx, input, func(res domain.Result) error {
		if res.Err != nil {
			logger.Debug("frame dropped", slog.String("error", res.Err.Error()))
			return nil
		}
		return sink(*res.Event)
	})
}

// openInput returns the stream to decode and its protocol: the response
// body of --upstream, or stdin read as --from.
func openInput(ctx context.Context, opts options, stdin io.Reader) (io.ReadCloser, string, error) {
	if opts.upstream == "" {
		if opts.from == "" {
			return nil, "", fmt.Errorf("--from is required when reading stdin")
		}
		return io.NopCloser(stdin), opts.from, nil
	}

	cfg, err := config.LoadFile(opts.config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	ucfg, ok := cfg.Upstream(opts.upstream)
	if !ok {
		return nil, "", fmt.Errorf("unknown upstream %q", opts.upstream)
	}
	client, err := upstream.FromConfig(ucfg)
	if err != nil {
		return nil, "", err
	}

	var body []byte
	switch opts.body {
	case "":
		return nil, "", fmt.Errorf("--body is required with --upstream")
	case "-":
		body, err = io.ReadAll(stdin)
	default:
		body, err = os.ReadFile(opts.body)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}

	rc, err := client.Stream(ctx, json.RawMessage(body))
	if err != nil {
		return nil, "", err
	}
	return rc, string(client.Protocol()), nil
}
