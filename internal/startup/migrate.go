package startup

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/academy/internal/logger"
	"github.com/academy/migrations"
)

// RunMigrations применяет встроенные миграции по порядку имён. Все миграции идемпотентны
// (IF NOT EXISTS), поэтому выполняются при каждом старте.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	defer logger.DeferLogDuration("migrations", time.Now())()
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied: %d", len(names))
	return nil
}
