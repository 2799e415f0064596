package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/types"
)

// loadDefinitions reads every definition from the given YAML files and
// directories. A file may hold several documents. Valid definitions are
// returned even when others fail.
func loadDefinitions(paths []string) ([]types.Definition, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	sort.Strings(files)

	var defs []types.Definition
	var errs error
	seen := make(map[string]string)
	for _, file := range files {
		parsed, err := decodeFile(file)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, def := range parsed {
			if prev, dup := seen[def.ID]; dup {
				errs = multierr.Append(errs, fmt.Errorf("%s: definition %s already defined in %s", file, def.ID, prev))
				continue
			}
			if err := graph.Validate(def); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", file, err))
				continue
			}
			seen[def.ID] = file
			defs = append(defs, def)
		}
	}
	return defs, errs
}

func decodeFile(file string) ([]types.Definition, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var defs []types.Definition
	dec := yaml.NewDecoder(f)
	for {
		var def types.Definition
		if err := dec.Decode(&def); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
