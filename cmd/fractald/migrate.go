package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fractalmem/internal/graph"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Cypher migrations to the graph backend",
	Long: `Applies the .cypher files in the migrations directory in
lexical order. Each applied file is recorded as a Migration node, so a
rerun skips everything already applied. Only the neo4j backend takes
migrations; the embedded sqlite backend manages its own schema.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory of .cypher files")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.GraphBackend != "neo4j" {
		logger.Info("graph backend manages its own schema, nothing to migrate",
			zap.String("backend", cfg.GraphBackend))
		return nil
	}
	ctx := cmd.Context()

	store, err := graph.NewNeo4jStore(ctx, cfg.GraphURI, cfg.GraphUser,
		cfg.GraphPassword, cfg.UserID, cfg.EmbeddingDimensions, logger)
	if err != nil {
		return fmt.Errorf("connect graph: %w", err)
	}
	defer store.Close()

	files, err := migrationFiles(migrationsDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Info("no migration files found", zap.String("dir", migrationsDir))
		return nil
	}

	applied := 0
	for _, file := range files {
		version := migrationVersion(file)
		done, err := migrationApplied(cmd, store, version)
		if err != nil {
			return err
		}
		if done {
			logger.Debug("migration already applied", zap.String("version", version))
			continue
		}

		data, err := os.ReadFile(filepath.Join(migrationsDir, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := store.RunCypher(ctx, stmt, nil); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
		}
		_, err = store.RunCypher(ctx, `
			MERGE (m:Migration {version: $version})
			SET m.name = $name, m.applied_at = datetime($applied_at)`,
			map[string]interface{}{
				"version":    version,
				"name":       file,
				"applied_at": time.Now().UTC().Format(time.RFC3339),
			})
		if err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		logger.Info("migration applied", zap.String("version", version), zap.String("file", file))
		applied++
	}
	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("total", len(files)))
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".cypher") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion is the filename prefix before the first underscore,
// e.g. "0001" for "0001_constraints.cypher".
func migrationVersion(file string) string {
	base := strings.TrimSuffix(file, ".cypher")
	if i := strings.Index(base, "_"); i > 0 {
		return base[:i]
	}
	return base
}

func migrationApplied(cmd *cobra.Command, store *graph.Neo4jStore, version string) (bool, error) {
	records, err := store.RunCypher(cmd.Context(),
		`MATCH (m:Migration {version: $version}) RETURN m.version`,
		map[string]interface{}{"version": version})
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return len(records) > 0, nil
}

// splitStatements breaks a migration file into individual Cypher
// statements on semicolons at line ends. Line comments are dropped.
func splitStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
