// pdbdump is a CLI tool for extracting information from Portable PDB files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jtang613/goportablepdb/pkg/pdb"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(context.Background())
}

// app carries the state shared by the subcommands.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	cfg        *Config
	logger     *slog.Logger
	shutdown   func(context.Context) error
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pdbdump",
		Short: "Dump and query Portable PDB symbol files",
		Example: `  pdbdump info app.pdb
  pdbdump methods --pretty app.pdb
  pdbdump method app.pdb 0x06000001
  pdbdump position app.pdb Program.cs 12
  pdbdump documents --assembly app.dll`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML config file")
	flags.Bool("pretty", false, "pretty-print JSON output")
	flags.Bool("trace", false, "print trace spans to stderr")
	flags.Bool("assembly", false, "inputs are assemblies with an embedded PDB")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Int("concurrency", 0, "number of PDBs read at once by info")

	root.AddCommand(
		a.infoCommand(),
		a.documentsCommand(),
		a.methodsCommand(),
		a.methodCommand(),
		a.positionCommand(),
		a.closestLineCommand(),
	)
	return root
}

// setup loads the config, applies explicit flags and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("pretty") {
		cfg.Pretty, _ = flags.GetBool("pretty")
	}
	if flags.Changed("trace") {
		cfg.Trace, _ = flags.GetBool("trace")
	}
	if flags.Changed("assembly") {
		cfg.Assembly, _ = flags.GetBool("assembly")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency, _ = flags.GetInt("concurrency")
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	if a.logger, err = newLogger(cfg, a.stderr); err != nil {
		return err
	}
	if cfg.Trace {
		if a.shutdown, err = setupTracing(a.stderr); err != nil {
			return err
		}
	}
	return nil
}

// open opens a PDB, or the PDB embedded in an assembly.
func (a *app) open(ctx context.Context, path string) (*pdb.Reader, error) {
	opts := []pdb.Option{
		pdb.WithLogger(a.logger.With(slog.String("path", path))),
		pdb.WithConstantCacheSize(a.cfg.ConstantCacheSize),
	}
	if a.cfg.Assembly {
		return pdb.OpenEmbedded(ctx, path, opts...)
	}
	return pdb.Open(ctx, path, opts...)
}

// withReader opens path, runs fn and closes the reader.
func (a *app) withReader(cmd *cobra.Command, path string, fn func(*pdb.Reader) error) error {
	r, err := a.open(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// outputJSON writes v to stdout.
func (a *app) outputJSON(v any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetEscapeHTML(false) // Don't escape &, <, > as \u0026, \u003c, \u003e
	if a.cfg.Pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

func (a *app) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <pdb>...",
		Short: "Show PDB information",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]*pdb.PDBInfo, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(a.cfg.Concurrency)
			for i, path := range args {
				i, path := i, path
				g.Go(func() error {
					r, err := a.open(ctx, path)
					if err != nil {
						return err
					}
					defer r.Close()
					if err := r.Warm(ctx); err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					info, err := r.Info()
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					info.Path = path
					infos[i] = info
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if len(infos) == 1 {
				return a.outputJSON(infos[0])
			}
			return a.outputJSON(infos)
		},
	}
}

func (a *app) documentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "documents <pdb>",
		Short: "List source documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReader(cmd, args[0], func(r *pdb.Reader) error {
				docs, err := r.Documents()
				if err != nil {
					return err
				}
				out := make([]*pdb.DocumentInfo, 0, len(docs))
				for _, d := range docs {
					info, err := d.Info()
					if err != nil {
						a.logger.Warn("skipping unreadable document",
							slog.Uint64("document", uint64(d.Handle())),
							slog.String("error", err.Error()))
						continue
					}
					out = append(out, info)
				}
				return a.outputJSON(out)
			})
		},
	}
}

func (a *app) methodsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "methods <pdb>",
		Short: "List methods with their line extents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReader(cmd, args[0], func(r *pdb.Reader) error {
				summaries, err := r.MethodSummaries()
				if err != nil {
					return err
				}
				return a.outputJSON(summaries)
			})
		},
	}
}

func (a *app) methodCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "method <pdb> <token>",
		Short: "Show sequence points, scopes and async info of a method",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid method token %q: %w", args[1], err)
			}
			return a.withReader(cmd, args[0], func(r *pdb.Reader) error {
				m, err := r.Method(uint32(token))
				if err != nil {
					return err
				}
				info, err := m.Info()
				if err != nil {
					return err
				}
				return a.outputJSON(info)
			})
		},
	}
}

// PositionResult is a method found at a source position.
type PositionResult struct {
	Token    uint32        `json:"token"`
	MinLine  int           `json:"min_line"`
	MaxLine  int           `json:"max_line"`
	ILOffset *int          `json:"il_offset,omitempty"`
	Ranges   []pdb.ILRange `json:"ranges,omitempty"`
}

func (a *app) positionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position [flags] <pdb> <document> <line>",
		Short: "Find the methods containing a source line",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[2])
			if err != nil {
				return err
			}
			return a.withReader(cmd, args[0], func(r *pdb.Reader) error {
				doc, err := r.Document(args[1])
				if err != nil {
					return err
				}
				methods, err := r.MethodsFromDocumentPosition(doc, line, 0)
				if err != nil {
					return err
				}
				out := make([]PositionResult, 0, len(methods))
				for _, m := range methods {
					res, err := describePosition(m, doc, line)
					if err != nil {
						return err
					}
					out = append(out, res)
				}
				return a.outputJSON(out)
			})
		},
	}
	lineArgument(cmd)
	return cmd
}

func describePosition(m *pdb.Method, doc *pdb.Document, line int) (PositionResult, error) {
	var res PositionResult
	var err error
	if res.Token, err = m.Token(); err != nil {
		return res, err
	}
	if res.MinLine, res.MaxLine, err = m.SourceExtentInDocument(doc); err != nil {
		return res, err
	}
	// A line inside a method may still have no sequence point of its own.
	if off, err := m.Offset(doc, line, 0); err == nil {
		res.ILOffset = &off
	}
	if res.Ranges, err = m.Ranges(doc, line, 0); err != nil {
		return res, err
	}
	return res, nil
}

func (a *app) closestLineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "closest-line [flags] <pdb> <document> <line>",
		Short: "Find the closest line at or after line that has code",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := parseLine(args[2])
			if err != nil {
				return err
			}
			return a.withReader(cmd, args[0], func(r *pdb.Reader) error {
				doc, err := r.Document(args[1])
				if err != nil {
					return err
				}
				closest, err := doc.FindClosestLine(line)
				if err != nil {
					return err
				}
				url, err := doc.URL()
				if err != nil {
					return err
				}
				return a.outputJSON(map[string]any{"document": url, "line": closest})
			})
		},
	}
	lineArgument(cmd)
	return cmd
}

// lineArgument stops flag parsing at the first argument, so a line such as
// "-3" reaches parseLine instead of being read as a shorthand flag. Flags
// must come before the arguments.
func lineArgument(cmd *cobra.Command) {
	cmd.Flags().SetInterspersed(false)
}

func parseLine(s string) (int, error) {
	line, err := strconv.Atoi(s)
	if err != nil || line <= 0 {
		return 0, fmt.Errorf("invalid line %q: must be a positive integer", s)
	}
	return line, nil
}
