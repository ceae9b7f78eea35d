package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kzinmr/askrelay/internal/batch"
	"github.com/kzinmr/askrelay/internal/client"
	"github.com/kzinmr/askrelay/internal/config"
	"github.com/kzinmr/askrelay/internal/document"
	"github.com/kzinmr/askrelay/internal/logging"
	"github.com/kzinmr/askrelay/internal/relay"
)

var flags struct {
	root      string
	server    string
	file      string
	from, to  int
	threshold int
}

var rootCmd = &cobra.Command{
	Use:   "askctl",
	Short: "Ask the relay about a document and write the answer into it",
	Long: `askctl sends a question to an askrelay server and inserts the answer at
the end of a text file, or prints it when no file is given.

Without question arguments the selected lines of --file are the question.`,
	SilenceUsage: true,
}

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask and wait for the complete answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args, func(ctx context.Context, s *cliSession) error {
			answer, err := s.client.Ask(ctx, s.question)
			if err != nil {
				return err
			}
			if s.doc == nil {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), answer)
				return err
			}
			return s.doc.Apply(ctx, batch.Paragraphs(answer))
		})
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream [question...]",
	Short: "Ask and stream the answer as it is produced",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, args, func(ctx context.Context, s *cliSession) error {
			id, err := s.client.Prepare(ctx, s.question)
			if err != nil {
				return err
			}
			s.logger.Printf("session %s prepared", id)

			if s.doc == nil {
				return s.client.Stream(ctx, id, printer(cmd.OutOrStdout()))
			}
			consumer := batch.NewConsumer(s.doc, batch.WithThreshold(s.cfg.BatchThreshold), batch.WithLogger(s.logger))
			err = s.client.Stream(ctx, id, consumer.Handle)
			// Keep whatever arrived before the stream broke off.
			if ferr := consumer.Flush(context.WithoutCancel(ctx)); ferr != nil {
				err = errors.Join(err, ferr)
			}
			s.logger.Printf("answer written to %s in %d edits", s.doc.Path(), consumer.Flushes())
			return err
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.root, "root", ".", "directory holding config/")
	pf.StringVar(&flags.server, "server", "", "relay base URL (overrides server_url)")
	pf.StringVarP(&flags.file, "file", "f", "", "document to read the question from and write the answer to")
	pf.IntVar(&flags.from, "from", 0, "first selected line (1-based)")
	pf.IntVar(&flags.to, "to", 0, "last selected line (0 = end of file)")

	streamCmd.Flags().IntVar(&flags.threshold, "threshold", 0, "fragments per document edit (overrides batch_threshold)")

	rootCmd.AddCommand(askCmd, streamCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type cliSession struct {
	cfg      config.Config
	client   *client.Client
	doc      *document.File
	question string
	logger   *log.Logger
}

func withSession(cmd *cobra.Command, args []string, run func(ctx context.Context, s *cliSession) error) error {
	cfg, err := config.Load(flags.root)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if flags.server != "" {
		cfg.ServerURL = flags.server
	}
	if flags.threshold > 0 {
		cfg.BatchThreshold = flags.threshold
	}
	logger := log.New(cmd.ErrOrStderr(), "[askctl] ", logging.Flags)

	s := &cliSession{cfg: cfg, logger: logger}
	if flags.file != "" {
		if s.doc, err = document.Open(flags.file, document.WithLines(flags.from, flags.to)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.question = strings.TrimSpace(strings.Join(args, " "))
	if s.question == "" {
		if s.doc == nil {
			return errors.New("no question: pass it as arguments or select it with --file")
		}
		if s.question, err = s.doc.SelectedText(ctx); err != nil {
			return err
		}
	}

	var clientLogger *log.Logger
	if logging.IsDebug(cfg.LogLevel) {
		clientLogger = log.New(cmd.ErrOrStderr(), "[askctl/http] ", logging.Flags)
	}
	s.client, err = client.New(cfg.ServerURL, &http.Client{Timeout: cfg.RequestTimeout + 15*time.Second},
		client.WithLogger(clientLogger),
		client.WithMaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return err
	}
	return run(ctx, s)
}

// printer writes message text to w as it arrives and reports error events.
func printer(w io.Writer) client.Handler {
	return func(ctx context.Context, ev relay.Event) (bool, error) {
		switch ev.Kind {
		case relay.KindMessage:
			text, err := ev.Result()
			if err != nil {
				return false, err
			}
			_, err = io.WriteString(w, text)
			return false, err
		case relay.KindDone:
			_, err := io.WriteString(w, "\n")
			return true, err
		case relay.KindError:
			msg, _ := ev.ErrorMessage()
			fmt.Fprintf(os.Stderr, "\n%s\n", msg)
		}
		return false, nil
	}
}
