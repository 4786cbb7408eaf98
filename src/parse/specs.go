package parse

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/grumpyjames/buck/src/core"
	"github.com/grumpyjames/buck/src/fs"
)

// ExpandSpecs expands pseudo-targets in the given labels: :all becomes every
// target in its package, and //pkg/... becomes every target in every package
// underneath pkg. Concrete labels pass through unchanged. Packages are parsed
// in parallel and errors across specs are accumulated rather than stopping at
// the first.
func (p *Parser) ExpandSpecs(ctx context.Context, specs []core.BuildLabel) ([]core.BuildLabel, error) {
	var mutex sync.Mutex
	var labels []core.BuildLabel
	var errs *multierror.Error
	g, ctx := errgroup.WithContext(ctx)
	add := func(ls []core.BuildLabel, err error) {
		mutex.Lock()
		defer mutex.Unlock()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		labels = append(labels, ls...)
	}
	for _, spec := range specs {
		spec := spec
		switch {
		case spec.IsAllSubpackages():
			g.Go(func() error {
				pkgs, err := p.findPackages(spec)
				if err != nil {
					add(nil, err)
					return nil
				}
				for _, pkg := range pkgs {
					pkg := pkg
					g.Go(func() error {
						add(p.packageTargets(ctx, core.BuildLabel{Cell: spec.Cell, PackageName: pkg, Name: core.AllTargetsName}))
						return nil
					})
				}
				return nil
			})
		case spec.IsAllTargets():
			g.Go(func() error {
				add(p.packageTargets(ctx, spec))
				return nil
			})
		default:
			add([]core.BuildLabel{spec}, nil)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	// Dedupe; several specs can name the same target.
	slices.SortFunc(labels, func(a, b core.BuildLabel) bool { return a.String() < b.String() })
	return slices.Compact(labels), nil
}

// packageTargets returns the labels of every target in one package.
func (p *Parser) packageTargets(ctx context.Context, spec core.BuildLabel) ([]core.BuildLabel, error) {
	raw, err := p.RawRuleMap(ctx, spec)
	if err != nil {
		return nil, err
	}
	names := raw.RuleNames()
	labels := make([]core.BuildLabel, len(names))
	for i, name := range names {
		labels[i] = core.BuildLabel{Cell: spec.Cell, PackageName: spec.PackageName, Name: name}
	}
	return labels, nil
}

// findPackages walks the tree under a spec's package looking for directories
// that contain a build file. Ignored directories and symlinked directories are
// skipped entirely.
func (p *Parser) findPackages(spec core.BuildLabel) ([]string, error) {
	s, err := p.stateFor(spec)
	if err != nil {
		return nil, err
	}
	cell := s.Cell()
	ignore := make(map[string]bool, len(cell.Config.Project.Ignore))
	for _, name := range cell.Config.Project.Ignore {
		ignore[name] = true
	}
	root := filepath.Join(cell.Root, spec.PackageName)
	var pkgs []string
	err = fs.WalkMode(root, func(name string, mode fs.Mode) error {
		if mode.IsDir() {
			if ignore[filepath.Base(name)] {
				return filepath.SkipDir
			}
			return nil
		}
		if mode.IsSymlink() || !cell.IsBuildFileName(filepath.Base(name)) {
			return nil
		}
		rel, present := cell.RelPath(filepath.Dir(name))
		if !present {
			return nil
		}
		if rel == "." {
			rel = ""
		}
		pkgs = append(pkgs, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkgs, nil
}
