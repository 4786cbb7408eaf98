// Buck is a daemon-friendly parser for build files: it resolves build targets
// to a graph, caching parse results in memory and invalidating them from
// filesystem notifications so repeated queries only re-read what changed.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	cli "github.com/peterebden/go-cli-init/v5/flags"
	clilogging "github.com/peterebden/go-cli-init/v5/logging"
	_ "go.uber.org/automaxprocs"

	logger "github.com/grumpyjames/buck/src/cli/logging"
	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/parse"
	"github.com/grumpyjames/buck/src/watch"
)

var log = logger.Log

var opts = struct {
	Usage     string
	Verbosity clilogging.Verbosity `short:"v" long:"verbosity" default:"warning" description:"Verbosity of output (error, warning, notice, info, debug)"`
	RepoRoot  string               `short:"r" long:"repo_root" description:"Root of the repository; defaults to searching upwards from the working directory"`

	Graph struct {
		Args struct {
			Targets []string `positional-arg-name:"targets" required:"1" description:"Targets to resolve, e.g. //src/... or //src/core:all"`
		} `positional-args:"true"`
	} `command:"graph" description:"Resolves targets to a dependency graph and prints it"`

	Rule struct {
		Args struct {
			Target string `positional-arg-name:"target" required:"1" description:"Target whose raw rule to print"`
		} `positional-args:"true"`
	} `command:"rule" description:"Prints the unconverted rule a target was defined with"`

	Daemon struct {
		StatsFrequency time.Duration `long:"stats_frequency" default:"30s" description:"How often to log cache statistics"`
	} `command:"daemon" description:"Watches the repository and keeps the parse caches warm"`
}{
	Usage: `
Buck parses build files into a target graph. Run as a daemon it watches the
repository for changes and incrementally re-parses only what they affected.
`,
}

func main() {
	command := cli.ParseFlagsOrDie("buck", &opts, nil)
	clilogging.InitLogging(opts.Verbosity)

	root := findRepoRoot()
	config, err := core.ReadConfigFiles([]string{
		filepath.Join(root, core.ConfigFileName),
		filepath.Join(root, core.LocalConfigFileName),
	})
	if err != nil {
		log.Fatalf("Error reading config: %s", err)
	}
	cell, err := core.NewCell("", root, config, environ())
	if err != nil {
		log.Fatalf("%s", err)
	}
	state := parse.NewDaemonicParserState(parse.NewProcessInterpreter, nil)
	defer state.Close()
	parser := parse.NewParser(state, defaultRegistry(), cell)

	switch command {
	case "graph":
		printGraph(parser, cell)
	case "rule":
		printRule(parser)
	case "daemon":
		runDaemon(state, cell)
	}
}

func printGraph(parser *parse.Parser, cell *core.Cell) {
	labels := make([]core.BuildLabel, len(opts.Graph.Args.Targets))
	for i, target := range opts.Graph.Args.Targets {
		labels[i] = core.ParseBuildLabel(target, "")
	}
	start := time.Now()
	_, graph, err := parser.BuildTargetGraphForSpecs(context.Background(), labels)
	if err != nil {
		log.Fatalf("%s", err)
	}
	for _, node := range graph.AllNodes() {
		fmt.Printf("%s %s\n", node.Label, node.HashString())
		for _, dep := range node.Deps {
			fmt.Printf("  %s\n", dep)
		}
	}
	log.Notice("Resolved %s targets in %s", humanize.Comma(int64(graph.Len())), time.Since(start).Round(time.Millisecond))
}

func printRule(parser *parse.Parser) {
	label := core.ParseBuildLabel(opts.Rule.Args.Target, "")
	rule, err := parser.RawTargetNode(context.Background(), label)
	if err != nil {
		log.Fatalf("%s", err)
	}
	b, err := json.MarshalIndent(rule, "", "  ")
	if err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println(string(b))
}

func runDaemon(state *parse.DaemonicParserState, cell *core.Cell) {
	// Materialise the cell's state up front so the watcher has something to invalidate into.
	cellState := state.CellState(cell)
	watcher, err := watch.Watch(cell, state)
	if err != nil {
		log.Fatalf("Error setting up filesystem watcher: %s", err)
	}
	defer watcher.Close()
	log.Notice("Watching %s", cell.Root)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(opts.Daemon.StatsFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Config edits don't show up as cache invalidations; re-read and
			// compare fingerprints so they take effect without a restart.
			if fresh, err := rereadCell(cell); err == nil {
				state.UpdateCellConfiguration(fresh)
				cellState = state.CellState(fresh)
			}
			rawEntries, nodeEntries := cellState.Sizes()
			log.Info("Cache: %s rule maps, %s nodes", humanize.Comma(int64(rawEntries)), humanize.Comma(int64(nodeEntries)))
		case sig := <-stop:
			log.Notice("Received %s, shutting down", sig)
			return
		}
	}
}

// rereadCell re-reads a cell's config files from disk.
func rereadCell(cell *core.Cell) (*core.Cell, error) {
	config, err := core.ReadConfigFiles([]string{
		filepath.Join(cell.Root, core.ConfigFileName),
		filepath.Join(cell.Root, core.LocalConfigFileName),
	})
	if err != nil {
		return nil, err
	}
	return core.NewCell(cell.Name, cell.Root, config, environ())
}

// findRepoRoot locates the repo root: the flag if given, otherwise the closest
// directory at or above the working directory containing a config file.
func findRepoRoot() string {
	if opts.RepoRoot != "" {
		return opts.RepoRoot
	}
	dir, err := os.Getwd()
	if err != nil {
		log.Fatalf("%s", err)
	}
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Lstat(filepath.Join(d, core.ConfigFileName)); err == nil {
			return d
		}
		if d == filepath.Dir(d) {
			return dir
		}
	}
}

func environ() map[string]string {
	env := map[string]string{}
	for _, e := range os.Environ() {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				env[e[:i]] = e[i+1:]
				break
			}
		}
	}
	return env
}

// defaultRegistry returns the rule kinds known out of the box.
func defaultRegistry() *core.RuleRegistry {
	return core.NewRuleRegistry(
		&core.RuleKind{
			Name:        "genrule",
			SourceAttrs: []string{"srcs"},
			AttrKinds: map[string]core.AttrKind{
				"cmd":  core.StringAttr,
				"outs": core.ListAttr,
			},
		},
		&core.RuleKind{
			Name:        "filegroup",
			SourceAttrs: []string{"srcs"},
		},
		&core.RuleKind{
			Name:              "cc_library",
			SupportedFlavours: []string{"shared", "static"},
			SourceAttrs:       []string{"srcs", "hdrs"},
			AttrKinds: map[string]core.AttrKind{
				"copts":   core.ListAttr,
				"defines": core.ListAttr,
			},
		},
		&core.RuleKind{
			Name:              "cc_binary",
			SupportedFlavours: []string{"static"},
			SourceAttrs:       []string{"srcs"},
			AttrKinds: map[string]core.AttrKind{
				"linkopts": core.ListAttr,
			},
		},
	)
}
