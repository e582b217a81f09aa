package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-chunkupload/internal"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

type fileResolver struct {
	osProxy      internal.OsProxy
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

func newFileResolver(logger log.Logger) fileResolver {
	return fileResolver{
		osProxy:      internal.RealOS{},
		pathModifier: pathutil.NewPathModifier(),
		logger:       logger,
	}
}

// resolve expands the glob patterns and returns the absolute paths of the matching regular files.
func (r fileResolver) resolve(patterns []string) ([]string, error) {
	type candidate struct {
		path    string
		matched bool
	}

	var candidates []candidate
	for _, path := range patterns {
		if !strings.Contains(path, "*") {
			candidates = append(candidates, candidate{path: path})
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := r.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(r.osProxy.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			return nil, fmt.Errorf("invalid file pattern '%s': %w", path, err)
		}
		if len(matches) == 0 {
			r.logger.Warnf("No match for file pattern: %s", path)
			continue
		}

		for _, match := range matches {
			candidates = append(candidates, candidate{path: filepath.Join(absBase, match), matched: true})
		}
	}

	seen := map[string]bool{}
	var files []string
	for _, c := range candidates {
		absPath, err := r.pathModifier.AbsPath(c.path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse path %s: %w", c.path, err)
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		info, err := r.osProxy.Stat(absPath)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			if !c.matched {
				return nil, fmt.Errorf("%s is a directory", c.path)
			}
			r.logger.Debugf("Skipping directory: %s", absPath)
			continue
		}
		files = append(files, absPath)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}
	sort.Strings(files)
	return files, nil
}
