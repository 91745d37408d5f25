package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/poiesic/docpipe"
	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/chunker"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/queue"
	"github.com/poiesic/docpipe/resubmit"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Process queued jobs until interrupted",
		Action: workerAction,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "concurrency",
				Aliases: []string{"c"},
				Usage:   "Number of jobs executed at once",
				Value:   queue.DefaultConcurrency,
				EnvVars: []string{"WORKER_CONCURRENCY"},
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Wait between polls when every lane is empty",
				Value: time.Second,
			},
			&cli.StringFlag{
				Name:    "consumer-id",
				Usage:   "Stable worker name; a restart under the same name takes back its unfinished jobs at once",
				EnvVars: []string{"WORKER_ID"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-ttl",
				Usage:   "How long a silent worker counts as alive before others reclaim its jobs",
				Value:   queue.DefaultHeartbeatTTL,
				EnvVars: []string{"WORKER_HEARTBEAT_TTL"},
			},
			&cli.BoolFlag{
				Name:  "no-sweeper",
				Usage: "Do not run the retention sweep in this process",
			},
		},
	}
}

func workerAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(c, func(cfg *docpipe.Config) {
		cfg.Concurrency = c.Int("concurrency")
		cfg.DisableSweeper = c.Bool("no-sweeper")
		cfg.WorkerID = c.String("consumer-id")
		cfg.HeartbeatTTL = c.Duration("heartbeat-ttl")
	})
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintf(os.Stderr, "Redis: %s\n", c.String("redis-addr"))
	fmt.Fprintf(os.Stderr, "Store: %s\n", c.String("store"))
	fmt.Fprintf(os.Stderr, "Concurrency: %d\n", c.Int("concurrency"))
	fmt.Fprintln(os.Stderr)

	return p.Run(ctx, queue.WithPollInterval(c.Duration("poll-interval")))
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:   "enqueue",
		Usage:  "Submit a job",
		Action: enqueueAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "type",
				Aliases:  []string{"t"},
				Usage:    "Job type (parse, chunk, embed, full_pipeline)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "document-id",
				Aliases:  []string{"d"},
				Usage:    "Document the job belongs to",
				Required: true,
			},
			&cli.StringFlag{Name: "file-path", Usage: "Document location for parse and full_pipeline jobs"},
			&cli.StringFlag{Name: "file-name", Usage: "Original file name"},
			&cli.StringFlag{Name: "file-type", Usage: "File type overriding the extension"},
			&cli.StringFlag{Name: "content", Usage: "Text of a chunk job"},
			&cli.StringFlag{Name: "content-file", Usage: "Read the text of a chunk job from a file"},
			&cli.StringSliceFlag{Name: "chunk", Usage: "Chunk text of an embed job, repeatable"},
			&cli.IntFlag{Name: "chunk-size", Usage: "Chunk size; 0 uses the splitter default"},
			&cli.IntFlag{Name: "overlap", Usage: "Chunk overlap; unset uses the splitter default"},
			&cli.StringFlag{Name: "split-type", Usage: "Split strategy (paragraph, sentence, length, semantic)"},
			&cli.StringFlag{Name: "model", Usage: "Embedding model of embed and full_pipeline jobs"},
			&cli.StringSliceFlag{Name: "meta", Usage: "key=value metadata for parse and full_pipeline jobs, repeatable"},
			&cli.StringFlag{Name: "lane", Usage: "Queue lane overriding the default of the job type"},
			&cli.DurationFlag{Name: "delay", Usage: "Make the job runnable after this long"},
			&cli.DurationFlag{Name: "wait", Usage: "Wait this long for the job to finish and print it"},
		},
	}
}

func enqueueAction(c *cli.Context) error {
	kind := core.Kind(c.String("type"))
	if !kind.Valid() {
		return fmt.Errorf("unknown job type %q", kind)
	}
	payload, err := buildPayload(c, kind)
	if err != nil {
		return err
	}

	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	var opts []queue.EnqueueOption
	if lane := c.String("lane"); lane != "" {
		opts = append(opts, queue.WithLane(queue.Lane(lane)))
	}

	documentID := c.String("document-id")
	var job *core.Job
	if delay := c.Duration("delay"); delay > 0 {
		job, err = p.SubmitAt(c.Context, kind, documentID, payload, time.Now().Add(delay), opts...)
	} else {
		job, err = p.Submit(c.Context, kind, documentID, payload, opts...)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	wait := c.Duration("wait")
	if wait <= 0 {
		fmt.Fprintln(c.App.Writer, job.ID)
		return nil
	}
	final, err := p.WaitForTask(c.Context, job.ID, wait)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, final)
}

// buildPayload assembles the payload of kind from the enqueue flags.
func buildPayload(c *cli.Context, kind core.Kind) (any, error) {
	documentID := c.String("document-id")
	var overlap *int
	if c.IsSet("overlap") {
		v := c.Int("overlap")
		overlap = &v
	}
	meta, err := parseMeta(c.StringSlice("meta"))
	if err != nil {
		return nil, err
	}

	switch kind {
	case core.KindParse:
		return core.ParsePayload{
			FilePath: c.String("file-path"),
			FileName: c.String("file-name"),
			FileType: c.String("file-type"),
			Metadata: meta,
		}, nil
	case core.KindChunk:
		content := c.String("content")
		if path := c.String("content-file"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read content: %w", err)
			}
			content = string(data)
		}
		return core.ChunkPayload{
			DocumentID: documentID,
			Content:    content,
			ChunkSize:  c.Int("chunk-size"),
			Overlap:    overlap,
			SplitType:  c.String("split-type"),
		}, nil
	case core.KindEmbed:
		texts := c.StringSlice("chunk")
		chunks := make([]core.ChunkInfo, len(texts))
		for i, text := range texts {
			chunks[i] = core.ChunkInfo{Text: text, Index: i}
		}
		return core.EmbedPayload{
			DocumentID: documentID,
			Chunks:     chunks,
			Model:      c.String("model"),
		}, nil
	case core.KindFullPipeline:
		return core.PipelinePayload{
			DocumentID: documentID,
			FilePath:   c.String("file-path"),
			FileName:   c.String("file-name"),
			FileType:   c.String("file-type"),
			ChunkSize:  c.Int("chunk-size"),
			Overlap:    overlap,
			SplitType:  c.String("split-type"),
			Model:      c.String("model"),
			Metadata:   meta,
		}, nil
	}
	return nil, fmt.Errorf("unknown job type %q", kind)
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: expected key=value", pair)
		}
		meta[k] = v
	}
	return meta, nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a job, or the queue depths when no id is given",
		ArgsUsage: "[job-id]",
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	if c.NArg() == 0 {
		stats, err := p.QueueStats(c.Context)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LANE\tREADY\tSCHEDULED")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\n", s.Lane, s.Ready, s.Scheduled)
		}
		return w.Flush()
	}

	job, err := p.GetTask(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, job)
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the jobs of a document",
		ArgsUsage: "<document-id>",
		Action:    listAction,
	}
}

func listAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("document id is required")
	}
	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	jobs, err := p.GetTasksByDocument(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPROGRESS\tUPDATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n",
			job.ID, job.Kind, job.State, job.Progress(), job.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete job records",
		ArgsUsage: "<job-id>...",
		Action:    deleteAction,
	}
}

func deleteAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one job id is required")
	}
	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	var errs []error
	for _, id := range c.Args().Slice() {
		if err := p.DeleteTask(c.Context, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
	}
	return errors.Join(errs...)
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:   "sweep",
		Usage:  "Delete job records older than the retention period once",
		Action: sweepAction,
	}
}

func sweepAction(c *cli.Context) error {
	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	rep, err := p.Sweep(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "scanned %d, deleted %d, cutoff %s\n",
		rep.Scanned, rep.Deleted, rep.Cutoff.UTC().Format(time.RFC3339))
	return nil
}

func resubmitCommand() *cli.Command {
	return &cli.Command{
		Name:   "resubmit",
		Usage:  "Queue fresh copies of failed jobs",
		Action: resubmitAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Usage: "Only jobs of this type"},
			&cli.StringFlag{Name: "document-id", Usage: "Only jobs of this document"},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Number of records to read in each batch",
				Value: resubmit.DefaultBatchSize,
			},
			&cli.IntFlag{
				Name:  "report-interval",
				Usage: "Report progress every N jobs",
				Value: 100,
			},
			&cli.BoolFlag{Name: "dry-run", Usage: "List matching jobs without submitting"},
		},
	}
}

func resubmitAction(c *cli.Context) error {
	kind := core.Kind(c.String("type"))
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("unknown job type %q", kind)
	}
	if c.Int("batch-size") <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}

	p, err := openPipeline(c, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	cfg := resubmit.DefaultConfig()
	cfg.Filter = resubmit.Filter{Kind: kind, DocumentID: c.String("document-id")}
	cfg.BatchSize = c.Int("batch-size")
	cfg.ReportInterval = c.Int("report-interval")
	cfg.DryRun = c.Bool("dry-run")

	rep, err := resubmit.NewResubmitter(p.Repository(), p.Router(), cfg, c.App.Writer).Run(c.Context)
	if err != nil {
		return fmt.Errorf("resubmission failed: %w", err)
	}
	if len(rep.Failed) > 0 {
		return fmt.Errorf("%d jobs could not be resubmitted", len(rep.Failed))
	}
	return nil
}

func splitCommand() *cli.Command {
	def := chunker.DefaultConfig()
	return &cli.Command{
		Name:      "split",
		Usage:     "Split a text file into chunks and print them",
		ArgsUsage: "<file|->",
		Action:    splitAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "strategy",
				Aliases: []string{"s"},
				Usage:   "Split strategy (paragraph, sentence, length, semantic)",
				Value:   string(chunker.StrategyParagraph),
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Upper bound of a chunk",
				Value: def.ChunkSize,
			},
			&cli.IntFlag{
				Name:  "overlap",
				Usage: "Overlap between consecutive chunks; unset uses the default",
			},
			&cli.Float64Flag{
				Name:  "similarity-threshold",
				Usage: "Semantic boundary threshold between 0 and 1 (0 keeps the default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the chunks as JSON",
			},
		},
	}
}

func splitAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("input file is required")
	}
	text, err := readInput(c.Args().First(), c.App.Reader)
	if err != nil {
		return err
	}

	strategy := chunker.Strategy(c.String("strategy"))
	var opts []chunker.Option
	if strategy == chunker.StrategySemantic {
		cfg, err := aiConfig(c)
		if err != nil {
			return err
		}
		provider, err := newProvider(cfg)
		if err != nil {
			return fmt.Errorf("failed to create AI provider: %w", err)
		}
		defer provider.Close()
		opts = append(opts, chunker.WithEmbedder(provider.Embedder()))
	}

	splitter, err := chunker.New(chunker.DefaultConfig(), opts...)
	if err != nil {
		return err
	}

	overlap := chunker.UseDefaultOverlap
	if c.IsSet("overlap") {
		overlap = c.Int("overlap")
	}
	chunks, err := splitter.Split(c.Context, text, chunker.Options{
		Strategy:            strategy,
		ChunkSize:           c.Int("chunk-size"),
		ChunkOverlap:        overlap,
		SimilarityThreshold: c.Float64("similarity-threshold"),
	})
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(c.App.Writer, core.ChunkInfos(chunks))
	}
	for _, chunk := range chunks {
		fmt.Fprintf(c.App.Writer, "--- chunk %d (%d chars)\n%s\n", chunk.Index, len([]rune(chunk.Text)), chunk.Text)
	}
	return nil
}

func readInput(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Stream a completion for a prompt; Ctrl-C stops the stream",
		ArgsUsage: "<prompt>",
		Action:    generateAction,
	}
}

func generateAction(c *cli.Context) error {
	prompt := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	cfg, err := aiConfig(c)
	if err != nil {
		return err
	}
	provider, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create AI provider: %w", err)
	}
	defer provider.Close()

	flag := &ai.CancelFlag{}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			flag.Cancel()
		}
	}()

	return streamCompletion(c.Context, provider.Generator(), prompt, flag, c.App.Writer)
}

// streamCompletion writes the completion to w as it arrives. A canceled
// stream keeps what was already written and is not an error.
func streamCompletion(ctx context.Context, gen ai.Generator, prompt string, flag *ai.CancelFlag, w io.Writer) error {
	_, err := gen.GenerateStream(ctx, prompt, flag, func(chunk string) error {
		_, err := io.WriteString(w, chunk)
		return err
	})
	fmt.Fprintln(w)
	if errors.Is(err, ai.ErrGenerationCanceled) {
		fmt.Fprintln(os.Stderr, "generation canceled")
		return nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
