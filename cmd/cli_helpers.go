package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/weatherpotato/potatolink/internal/config"
	"github.com/weatherpotato/potatolink/internal/secrets"
	"github.com/weatherpotato/potatolink/internal/store"
	"github.com/weatherpotato/potatolink/internal/store/file"
	"github.com/weatherpotato/potatolink/internal/store/pg"
	"github.com/weatherpotato/potatolink/internal/store/redis"
	"github.com/weatherpotato/potatolink/internal/store/sqlite"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

// openEndpointStore opens the backend selected by store.mode.
func openEndpointStore(ctx context.Context, cfg *config.Config) (store.EndpointStore, error) {
	switch cfg.Store.Mode {
	case config.StoreSQLite:
		path := cfg.Store.Path
		if strings.HasSuffix(path, ".json") {
			path = strings.TrimSuffix(path, ".json") + ".db"
		}
		return sqlite.Open(path)
	case config.StorePostgres:
		db, err := pg.OpenDB(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		s, err := pg.NewPGEndpointStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	case config.StoreRedis:
		return redis.Open(ctx, cfg.Store.RedisURL)
	default:
		return file.NewEndpointStore(cfg.Store.Path), nil
	}
}

func mustOpenEndpointStore(ctx context.Context, cfg *config.Config) store.EndpointStore {
	s, err := openEndpointStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening endpoint store (%s): %s\n", cfg.Store.Mode, err)
		os.Exit(1)
	}
	return s
}

// openVault returns nil when no vault is usable; passwords are then not remembered.
func openVault(cfg *config.Config) secrets.Vault {
	v, err := secrets.Open(cfg.Secrets.Path, cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil
	}
	return v
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// printTable writes rows in aligned columns; widths account for wide runes.
func printTable(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = runewidth.FillRight(c, widths[i])
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Println(titleStyle.Render(line(header)))
	for _, row := range rows {
		fmt.Println(line(row))
	}
}
