package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ReadConfigFiles returns the contents of every config file found at path.
// A file named directly is always read. Inside a directory only .yml and
// .yaml files are, recursively, in lexical order of their absolute path.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := findConfigFiles(path)
	if err != nil {
		return nil, err
	}

	docs := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		docs = append(docs, string(b))
	}

	return docs, nil
}

func findConfigFiles(path string) ([]string, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading directory %s: %w", p, err)
		}
		if !d.IsDir() && isConfigFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	sort.Strings(files)
	return files, nil
}

func isConfigFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
