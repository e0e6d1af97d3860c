package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

// ErrNoMigrations is returned when no embedded migration files are found.
var ErrNoMigrations = errors.New("no embedded migration files found")

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename format: 001_migration_name.up.sql / 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// MigrationInfo contains parsed information about a migration file.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// EmbeddedMigrations returns the embedded filesystem carrying the migration files.
func EmbeddedMigrations() fs.FS {
	return embeddedMigrations
}

// ListMigrations returns every embedded migration file conforming to the
// naming standard, lexicographically sorted.
func ListMigrations(filesystem fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(filesystem, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if migrationFilenameRegex.MatchString(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	return files, nil
}

// ValidateMigrations checks the embedded migration set: filename format,
// up/down pairing, and a gapless sequence starting at 001. Run at startup so
// a malformed set fails before any statement reaches the database.
func ValidateMigrations(filesystem fs.FS) error {
	files, err := ListMigrations(filesystem)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[string]map[string]bool)
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := ParseMigrationFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if pairs[key] == nil {
			pairs[key] = make(map[string]bool)
		}

		pairs[key][info.Direction] = true
		sequences[info.Sequence] = true
	}

	for key, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !directions["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	for i, seq := range ordered {
		if seq != i+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", i+1, seq)
		}
	}

	return nil
}

// ParseMigrationFilename extracts the components of a migration filename.
func ParseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}
