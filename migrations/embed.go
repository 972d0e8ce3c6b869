package main

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename regex: 001_migration_name.up.sql or 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// MigrationSet wraps an fs.FS of SQL migration files and validates that
	// the set is runnable: every filename follows the naming standard, every
	// up file has a down file, and sequence numbers form a gapless range
	// starting at 001.
	MigrationSet struct {
		fs fs.FS
	}

	// MigrationInfo contains parsed information about a migration file
	MigrationInfo struct {
		Sequence  int
		Name      string
		Direction string // "up" or "down"
		Filename  string
	}
)

// NewMigrationSet creates a MigrationSet over the given filesystem.
// Pass nil to use the migrations embedded in this binary.
func NewMigrationSet(filesystem fs.FS) *MigrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &MigrationSet{fs: filesystem}
}

// FS returns the underlying migration filesystem for handing to the
// migrate source driver.
func (s *MigrationSet) FS() fs.FS {
	return s.fs
}

// List returns the migration filenames that conform to the naming standard,
// sorted lexicographically. Files with other names are ignored so that the
// embed pattern never drags stray SQL into the applied set.
func (s *MigrationSet) List() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
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

	// Lexicographic order matches sequence order under the naming standard
	sort.Strings(files)

	return files, nil
}

// Content returns the raw bytes of one migration file.
func (s *MigrationSet) Content(filename string) ([]byte, error) {
	return fs.ReadFile(s.fs, filename)
}

// Validate checks the whole migration set before any database work happens.
// A broken set (orphaned direction, sequence gap, unreadable file) fails the
// migrator at startup rather than partway through an apply.
func (s *MigrationSet) Validate() error {
	files, err := s.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no migration files found")
	}

	migrations := make([]*MigrationInfo, 0, len(files))

	for _, file := range files {
		if _, err := s.Content(file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		info, err := parseMigrationFilename(file)
		if err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}

		migrations = append(migrations, info)
	}

	if err := validatePairing(migrations); err != nil {
		return err
	}

	return validateSequence(migrations)
}

// parseMigrationFilename parses a migration filename and extracts its components
func parseMigrationFilename(filename string) (*MigrationInfo, error) {
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

// validatePairing ensures that every up migration has a corresponding down migration
func validatePairing(migrations []*MigrationInfo) error {
	directions := make(map[string]map[string]bool) // sequence_name -> direction set

	for _, m := range migrations {
		key := fmt.Sprintf("%03d_%s", m.Sequence, m.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}
		directions[key][m.Direction] = true
	}

	for key, seen := range directions {
		if !seen["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}
		if !seen["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures migrations start at 001 and have no gaps
func validateSequence(migrations []*MigrationInfo) error {
	seen := make(map[int]bool)
	for _, m := range migrations {
		seen[m.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}
	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf(
			"migration sequence should start with 001, but found %03d",
			sequences[0],
		)
	}

	for i := 1; i < len(sequences); i++ {
		expected := sequences[i-1] + 1
		if sequences[i] != expected {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				expected,
				sequences[i],
			)
		}
	}

	return nil
}
