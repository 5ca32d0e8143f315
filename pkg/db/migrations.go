package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

const downSuffix = ".down.sql"

// Migration is one forward SQL file and its optional rollback.
type Migration struct {
	// Name is the file name without extension, e.g. "001_bridge_messages".
	Name string
	Up   string
	// Down is empty when no <name>.down.sql exists.
	Down string
}

// LoadMigrations reads migrations from dir, sorted by name. Files ending in
// .down.sql are attached to the migration with the same base name.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	byName := map[string]*Migration{}
	var names []string
	for _, e := range entries {
		file := e.Name()
		if e.IsDir() || filepath.Ext(file) != ".sql" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, file, err)
		}

		down := strings.HasSuffix(file, downSuffix)
		name := strings.TrimSuffix(file, ".sql")
		if down {
			name = strings.TrimSuffix(file, downSuffix)
		}
		m, ok := byName[name]
		if !ok {
			m = &Migration{Name: name}
			byName[name] = m
			names = append(names, name)
		}
		if down {
			m.Down = string(data)
		} else {
			m.Up = string(data)
		}
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		m := byName[name]
		if m.Up == "" {
			return nil, fmt.Errorf("%s - %s has a down file but no up file", migrationsLogPrefix, name)
		}
		out = append(out, *m)
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migrations from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}
