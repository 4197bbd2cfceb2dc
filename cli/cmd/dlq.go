package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/sluice/cli/config"
	"github.com/pithecene-io/sluice/cli/render"
	"github.com/pithecene-io/sluice/queue"
	"github.com/pithecene-io/sluice/types"
	"github.com/pithecene-io/sluice/wire"
)

const defaultDLQLimit = 100

// DeadLetterView is one dead letter as printed by dlq list.
type DeadLetterView struct {
	Queue      string         `json:"queue" yaml:"queue"`
	MessageID  string         `json:"message_id" yaml:"message_id"`
	Kind       types.WorkKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Attempt    int            `json:"attempt" yaml:"attempt"`
	LastError  string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at" yaml:"enqueued_at"`
}

// DLQResponse reports how many messages a dlq subcommand moved.
type DLQResponse struct {
	Queue string `json:"queue" yaml:"queue"`
	Op    string `json:"op" yaml:"op"`
	Count int    `json:"count" yaml:"count"`
}

var (
	queueFlag = &cli.StringFlag{
		Name:  "queue",
		Usage: "Queue name: map or reduce",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of messages",
		Value: defaultDLQLimit,
	}
)

// DLQCommand returns the dlq command group.
func DLQCommand() *cli.Command {
	output := []cli.Flag{FormatFlag, NoColorFlag}
	return &cli.Command{
		Name:  "dlq",
		Usage: "Inspect and recover dead-lettered messages",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List dead letters (both queues unless --queue is set)",
				Flags:  withFlags(ConfigFlags(), output, []cli.Flag{queueFlag, limitFlag}),
				Action: dlqList,
			},
			{
				Name:      "redrive",
				Usage:     "Move dead letters back to ready (all unless ids are given)",
				ArgsUsage: "[message-id...]",
				Flags:     withFlags(ConfigFlags(), output, []cli.Flag{requiredQueueFlag()}),
				Action:    dlqRedrive,
			},
			{
				Name:  "export",
				Usage: "Write dead letters as length-prefixed msgpack frames",
				Flags: withFlags(ConfigFlags(), output, []cli.Flag{requiredQueueFlag(), limitFlag,
					&cli.StringFlag{Name: "out", Usage: "Output file (- for stdout)", Required: true},
				}),
				Action: dlqExport,
			},
			{
				Name:  "import",
				Usage: "Send the bodies of an exported frame file to a queue",
				Flags: withFlags(ConfigFlags(), output, []cli.Flag{requiredQueueFlag(),
					&cli.StringFlag{Name: "in", Usage: "Input file (- for stdin)", Required: true},
				}),
				Action: dlqImport,
			},
			{
				Name:   "archive",
				Usage:  "List dead letters archived to the dead_letter backend",
				Flags:  withFlags(ConfigFlags(), output, []cli.Flag{queueFlag, limitFlag}),
				Action: dlqArchive,
			},
		},
	}
}

func requiredQueueFlag() cli.Flag {
	return &cli.StringFlag{Name: "queue", Usage: "Queue name: map or reduce", Required: true}
}

// openQueues loads the config and opens the queues of a shared backend.
func openQueues(c *cli.Context) (*env, *render.Renderer, error) {
	r, err := render.FromContext(c)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitInvalid)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Queue.Backend == config.BackendMemory {
		return nil, nil, cli.Exit("dlq needs a shared queue backend (redis)", exitInvalid)
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return nil, nil, err
	}
	e, err := openEnv(c.Context, cfg, logger, needQueues)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitFailure)
	}
	return e, r, nil
}

func dlqList(c *cli.Context) error {
	e, r, err := openQueues(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	qs := e.queues()
	if c.IsSet("queue") {
		q, err := e.queue(c.String("queue"))
		if err != nil {
			return err
		}
		qs = []queue.Queue{q}
	}

	views := []DeadLetterView{}
	for _, q := range qs {
		msgs, err := q.DeadLetters(c.Context, c.Int("limit"))
		if err != nil {
			return cli.Exit(fmt.Sprintf("dlq list %s: %v", q.Name(), err), exitFailure)
		}
		for _, m := range msgs {
			views = append(views, DeadLetterView{
				Queue:      q.Name(),
				MessageID:  m.ID,
				Kind:       m.Kind,
				Attempt:    m.Attempt,
				LastError:  m.LastError,
				EnqueuedAt: m.EnqueuedAt,
			})
		}
	}
	return r.Render(views)
}

func dlqRedrive(c *cli.Context) error {
	e, r, err := openQueues(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	q, err := e.queue(c.String("queue"))
	if err != nil {
		return err
	}
	n, err := q.Redrive(c.Context, c.Args().Slice()...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("dlq redrive: %v", err), exitFailure)
	}
	return r.Render(DLQResponse{Queue: q.Name(), Op: "redrive", Count: n})
}

func dlqExport(c *cli.Context) error {
	e, r, err := openQueues(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	q, err := e.queue(c.String("queue"))
	if err != nil {
		return err
	}
	msgs, err := q.DeadLetters(c.Context, c.Int("limit"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("dlq export: %v", err), exitFailure)
	}

	out := c.String("out")
	w, closeOut, err := openOutput(out, c.App.Writer)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	n, err := exportFrames(w, msgs)
	if cerr := closeOut(); err == nil {
		err = cerr
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("dlq export: %v", err), exitFailure)
	}
	if out == "-" {
		return nil
	}
	return r.Render(DLQResponse{Queue: q.Name(), Op: "export", Count: n})
}

func dlqImport(c *cli.Context) error {
	e, r, err := openQueues(c)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	q, err := e.queue(c.String("queue"))
	if err != nil {
		return err
	}
	in := c.String("in")
	var src io.Reader
	if in == "-" {
		src = c.App.Reader
		if src == nil {
			src = os.Stdin
		}
	} else {
		f, err := os.Open(in)
		if err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	n, err := importFrames(c.Context, bufio.NewReader(src), q)
	if err != nil {
		code := exitFailure
		if wire.IsFatalFrameError(err) || wire.IsDecodeError(err) {
			code = exitInvalid
		}
		return cli.Exit(fmt.Sprintf("dlq import: %d sent before error: %v", n, err), code)
	}
	return r.Render(DLQResponse{Queue: q.Name(), Op: "import", Count: n})
}

func dlqArchive(c *cli.Context) error {
	r, err := render.FromContext(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalid)
	}
	cfg, err := loadConfig(c, func(cfg *config.Config) {
		// Listing reads the archive only.
		cfg.Queue = config.QueueConfig{Backend: config.BackendMemory}
	})
	if err != nil {
		return err
	}
	if cfg.DeadLetter.Backend == config.BackendNone {
		return cli.Exit("dead_letter.backend is none; nothing is archived", exitInvalid)
	}
	logger, err := newLogger(cfg, "cli")
	if err != nil {
		return err
	}
	e, err := openEnv(c.Context, cfg, logger, needQueues)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() { _ = e.Close() }()

	records, err := e.archive.List(c.Context, c.String("queue"), c.Int("limit"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("dlq archive: %v", err), exitFailure)
	}
	return r.Render(records)
}

// exportFrames writes each message envelope as one frame.
func exportFrames(w io.Writer, msgs []*queue.Message) (int, error) {
	fw := wire.NewFrameWriter(w)
	for i, m := range msgs {
		data, err := queue.EncodeMessage(m)
		if err != nil {
			return i, fmt.Errorf("encode %s: %w", m.ID, err)
		}
		if err := fw.WriteFrame(data); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// importFrames sends the body of every frame to q as a fresh message.
func importFrames(ctx context.Context, r io.Reader, q queue.Queue) (int, error) {
	fd := wire.NewFrameDecoder(r)
	n := 0
	for {
		data, err := fd.ReadFrame()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		m, err := queue.DecodeMessage(data)
		if err != nil {
			return n, &wire.FrameError{Kind: wire.FrameErrorDecode, Msg: "decode message", Err: err}
		}
		if _, err := q.Send(ctx, m.Body); err != nil {
			return n, err
		}
		n++
	}
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		if stdout == nil {
			stdout = os.Stdout
		}
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
