package config

import (
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"gopkg.in/yaml.v3"
)

// Merge deep-merges the given configuration files into one YAML document.
// Directory arguments are walked and every file below them participates.
// Mappings merge recursively; for scalars the last file wins unless
// conflictError is set, in which case disagreeing values are an error.
func Merge(configFiles []string, conflictError bool) ([]byte, error) {
	paths, err := collectFiles(configFiles)
	if err != nil {
		return nil, err
	}

	docs := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration file %s: %w", path, err)
		}
		docs = append(docs, doc)
	}

	merged, err := mergeDocs(docs, "", conflictError)
	if err != nil {
		return nil, err
	}

	bs, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged configuration: %w", err)
	}
	return bs, nil
}

func collectFiles(configFiles []string) ([]string, error) {
	var paths []string
	for _, f := range configFiles {
		err := filepath.Walk(f, func(path string, fi fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return paths, nil
}

func mergeDocs(docs []map[string]any, path string, conflictError bool) (map[string]any, error) {
	result := make(map[string]any)
	for _, doc := range docs {
		// Sort keys to ensure deterministic merge errors.
		for _, key := range slices.Sorted(maps.Keys(doc)) {
			value := doc[key]
			existing, ok := result[key]
			if !ok {
				result[key] = value
				continue
			}

			existingMap, ok1 := existing.(map[string]any)
			valueMap, ok2 := value.(map[string]any)
			if ok1 && ok2 {
				merged, err := mergeDocs([]map[string]any{existingMap, valueMap}, path+"/"+key, conflictError)
				if err != nil {
					return nil, err
				}
				result[key] = merged
				continue
			}

			if conflictError && !reflect.DeepEqual(existing, value) {
				return nil, fmt.Errorf("conflict for config path %s", path+"/"+key)
			}
			result[key] = value
		}
	}
	return result, nil
}
