package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
)

func newAskCmd(open opener) *cobra.Command {
	var (
		req    coordinator.Request
		paths  []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask [query]",
		Short: "Ask one question and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			files, err := readFiles(paths)
			if err != nil {
				return err
			}
			req.Files = files

			rt, err := open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := rt.Close(context.Background()); cerr != nil {
					rt.Logger().Warn("close runtime", "err", cerr)
				}
			}()

			req.Query = strings.Join(args, " ")
			events := rt.Stream(ctx, req)
			if asJSON {
				return stream.NewEncoder(cmd.OutOrStdout()).Drain(events)
			}
			return printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), events)
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session id; turns are remembered only when set")
	cmd.Flags().StringVar(&req.UserID, "user", "", "user id used for cross-session recall")
	cmd.Flags().StringVar(&req.Model, "model", "", "model override")
	cmd.Flags().StringVar(&req.Location, "location", "", "user location hint")
	cmd.Flags().StringSliceVar(&req.Facts, "fact", nil, "known fact about the user (repeatable)")
	cmd.Flags().StringSliceVar(&paths, "file", nil, "file to send to the model (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw NDJSON events")
	return cmd
}

// readFiles loads attachments from disk. The MIME type comes from the
// extension, or from the content when the extension is unknown.
func readFiles(paths []string) ([]models.File, error) {
	files := make([]models.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = http.DetectContentType(data)
		}
		files = append(files, models.File{Name: filepath.Base(p), MIME: mt, Data: data})
	}
	return files, nil
}

// printEvents writes partial text to out as it arrives and status lines to
// diag. It returns an error for an error event.
func printEvents(out, diag io.Writer, events <-chan stream.Event) error {
	var failure error
	for ev := range events {
		switch ev.Type {
		case stream.EventStatus:
			fmt.Fprintf(diag, "[%s]\n", ev.Message)
		case stream.EventPartial:
			fmt.Fprint(out, ev.Content)
		case stream.EventFinal:
			fmt.Fprintln(out)
			if ev.Envelope != nil {
				if products, ok := ev.Envelope.AuxiliaryPayloads["products"]; ok {
					fmt.Fprintf(diag, "products: %v\n", products)
				}
			}
		case stream.EventError:
			failure = fmt.Errorf("%s: %s", ev.Code, ev.Error)
		}
	}
	return failure
}
