package config

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/samber/lo"
	"github.com/sergi/go-diff/diffmatchpatch"

	"go.labforge.io/labkernel/module"
)

// Diff describes how a running config (Left) changes into a new one (Right).
type Diff struct {
	Left, Right *Config

	// Sorted module names. A module whose declaration moved to another kind is modified.
	Added    []string
	Modified []string
	Removed  []string

	ModulesEqual bool
	GlobalEqual  bool

	// PrettyDiff is only filled in when requested, see DiffConfigs.
	PrettyDiff string
}

// DiffConfigs compares the module declarations and global settings of left and right. With
// pretty set, the changed JSON text is rendered into PrettyDiff for logging.
func DiffConfigs(left, right Config, pretty bool) (*Diff, error) {
	d := &Diff{Left: &left, Right: &right}
	if pretty {
		text, err := renderChanges(left, right)
		if err != nil {
			return nil, err
		}
		d.PrettyDiff = text
	}

	before := declarationsByName(left)
	after := declarationsByName(right)
	for name, decls := range after {
		old, existed := before[name]
		switch {
		case !existed:
			d.Added = append(d.Added, name)
		case !reflect.DeepEqual(old, decls):
			d.Modified = append(d.Modified, name)
		}
	}
	d.Removed = lo.Filter(lo.Keys(before), func(name string, _ int) bool {
		_, kept := after[name]
		return !kept
	})
	for _, names := range [][]string{d.Added, d.Modified, d.Removed} {
		sort.Strings(names)
	}

	d.ModulesEqual = len(d.Changed()) == 0
	d.GlobalEqual = reflect.DeepEqual(left.Global, right.Global)
	return d, nil
}

func declarationsByName(cfg Config) map[string][]module.Declaration {
	return lo.GroupBy(cfg.Declarations(), func(decl module.Declaration) string { return decl.Name })
}

// Changed returns every name that was added, modified or removed, sorted.
func (d *Diff) Changed() []string {
	changed := lo.Union(d.Added, d.Modified, d.Removed)
	sort.Strings(changed)
	return changed
}

func (d *Diff) String() string {
	return d.PrettyDiff
}

// renderChanges keeps only the inserted and deleted runs of the indented JSON of both configs.
func renderChanges(left, right Config) (string, error) {
	before, err := json.MarshalIndent(left, "", "  ")
	if err != nil {
		return "", err
	}
	after, err := json.MarshalIndent(right, "", "  ")
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	changes := lo.Reject(dmp.DiffMain(string(before), string(after), true),
		func(change diffmatchpatch.Diff, _ int) bool { return change.Type == diffmatchpatch.DiffEqual })
	return dmp.DiffPrettyText(changes), nil
}
