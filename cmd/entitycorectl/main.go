// Command entitycorectl checks metadata documents, lists archived scope
// snapshots and serves a reference data service over websocket RPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"entitycore/internal/archive"
	"entitycore/internal/core"
	"entitycore/internal/infra/transport/wsrpc"
	"entitycore/internal/logging"
	"entitycore/internal/validation"
	"entitycore/pkg/metadata"
)

const version = "0.1.0"

const usage = `entitycore control.

Usage:
    entitycorectl validate-metadata <file>
    entitycorectl inspect <file> [--yaml]
    entitycorectl serve --metadata=<file> [--addr=<addr>]
    entitycorectl archive-list <scope>
    entitycorectl -h | --help
    entitycorectl --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --yaml                Print the normalized metadata document.
    --metadata=<file>     Metadata document (JSON or YAML) describing served types.
    --addr=<addr>         Listen address [default: :8081].

The data service backend is chosen by ENTITYCORE_DATASERVICE_DRIVER and the
archive store by ENTITYCORE_ARCHIVE_DRIVER.
`

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2

	shutdownTimeout = 5 * time.Second
)

var (
	exitFunc = os.Exit
	// listen runs srv until ctx is done; tests replace it to drive the handler
	// without binding a port.
	listen = listenAndServe
)

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	helped := false
	parser := &docopt.Parser{
		HelpHandler: func(err error, out string) {
			helped = true
			if err != nil {
				fmt.Fprintln(stderr, out)
				return
			}
			fmt.Fprintln(stdout, out)
		},
	}
	opts, err := parser.ParseArgs(usage, args, version)
	if err != nil {
		return exitUsage
	}
	if helped {
		return exitOK
	}

	cfg := logging.ConfigFromEnv()
	cfg.Output = stderr
	logger, closer, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return exitFail
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case flag(opts, "validate-metadata"):
		err = runValidate(str(opts, "<file>"), stdout)
	case flag(opts, "inspect"):
		err = runInspect(str(opts, "<file>"), flag(opts, "--yaml"), stdout)
	case flag(opts, "serve"):
		err = runServe(ctx, str(opts, "--metadata"), str(opts, "--addr"), logger)
	case flag(opts, "archive-list"):
		err = runArchiveList(ctx, str(opts, "<scope>"), stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFail
	}
	return exitOK
}

func flag(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func str(opts docopt.Opts, key string) string {
	v, _ := opts.String(key)
	return v
}

// loadRegistry reads a metadata document and checks every declared validator
// compiles before any entity uses it.
func loadRegistry(path string) (*metadata.Registry, metadata.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, metadata.Document{}, err
	}
	defer f.Close()
	doc, err := metadata.ReadDocument(f)
	if err != nil {
		return nil, metadata.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	reg, err := metadata.NewRegistryFromDocument(doc)
	if err != nil {
		return nil, metadata.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := validation.NewEngine().Check(reg.Types()...); err != nil {
		return nil, metadata.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return reg, doc, nil
}

func runValidate(path string, stdout io.Writer) error {
	reg, _, err := loadRegistry(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d entity types OK\n", path, len(reg.Types()))
	return nil
}

func runInspect(path string, asYAML bool, stdout io.Writer) error {
	reg, _, err := loadRegistry(path)
	if err != nil {
		return err
	}
	if asYAML {
		out, err := reg.Document().YAML()
		if err != nil {
			return err
		}
		_, err = stdout.Write(out)
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tBASE\tKEY\tKEYGEN\tPROPERTIES\tNAVIGATIONS")
	for _, t := range reg.Types() {
		keys := make([]string, 0, len(t.Keys()))
		for _, k := range t.Keys() {
			keys = append(keys, k.Name)
		}
		base := t.BaseType
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", t.Name, base, strings.Join(keys, ","),
			t.KeyGenerationStrategy(), len(t.Properties()), len(t.Navigations()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	seen := map[string]bool{}
	var rels []*metadata.Relationship
	for _, t := range reg.Types() {
		for _, r := range reg.DependentRelationships(t) {
			if !seen[r.Name] {
				seen[r.Name] = true
				rels = append(rels, r)
			}
		}
	}
	if len(rels) == 0 {
		return nil
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Name < rels[j].Name })
	fmt.Fprintln(stdout)
	tw = tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSOCIATION\tPRINCIPAL\tDEPENDENT\tFOREIGN KEY\tCASCADE")
	for _, r := range rels {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.Name, r.Principal, r.Dependent, strings.Join(r.ForeignKeys, ","), r.CascadeDelete)
	}
	return tw.Flush()
}

func runServe(ctx context.Context, path, addr string, logger zerolog.Logger) error {
	reg, _, err := loadRegistry(path)
	if err != nil {
		return err
	}
	svc, err := core.OpenDataService(ctx, reg)
	if err != nil {
		return err
	}
	if c, ok := svc.(io.Closer); ok {
		defer c.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", wsrpc.NewServer(svc, wsrpc.WithServerLogger(logger.With().Str("component", "wsrpc").Logger())))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info().Str("addr", addr).Int("types", len(reg.Types())).Msg("serving data service")
	err = listen(ctx, srv)
	logger.Info().Msg("data service stopped")
	return err
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runArchiveList(ctx context.Context, scope string, stdout io.Writer) error {
	store, err := archive.Open(ctx)
	if err != nil {
		return err
	}
	snaps, err := archive.ListSnapshots(ctx, store, scope)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tENCODING\tSIZE\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Key, s.Encoding, s.Size, ulidTime(s).Format(time.RFC3339))
	}
	return tw.Flush()
}

func ulidTime(s archive.Snapshot) time.Time {
	return time.UnixMilli(int64(s.ID.Time())).UTC()
}
