// Package main provides the admin CLI for tenants and pharmacies.
// Usage: ledgerctl tenant create --slug north --name "North Chain"
//        ledgerctl tenant list
//        ledgerctl migrate --all
//        ledgerctl pharmacy add --tenant <tenant-id> --code P01 --name "Main St"
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
)

const (
	tenantMigrations = "db/migrations/tenant"
	metaMigrations   = "db/migrations/meta"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "tenant":
		tenantCommand(ctx, args)
	case "pharmacy":
		pharmacyCommand(ctx, args)
	case "migrate":
		migrateTenants(ctx, parseFlags(args))
	case "migrate-meta":
		runGoose(metaMigrations, mustEnv("META_DATABASE_URL"))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Stock ledger admin CLI

Usage:
  ledgerctl <command> [options]

Commands:
  tenant create     Create a tenant database and register it
  tenant list       List all tenants
  tenant suspend    Suspend a tenant
  tenant activate   Activate a suspended tenant
  pharmacy add      Register a pharmacy under a tenant
  pharmacy list     List pharmacies of a tenant
  migrate           Run ledger migrations for tenant(s)
  migrate-meta      Run meta-database migrations
  help              Show this help

Environment Variables:
  META_DATABASE_URL    Connection string for meta database (required)
  TENANT_DB_USER       Username for tenant databases
  TENANT_DB_PASSWORD   Password for tenant databases
  POSTGRES_ADMIN_URL   Admin connection for creating databases

Examples:
  ledgerctl tenant create --slug north --name "North Chain" --host db1
  ledgerctl tenant suspend <tenant-uuid>
  ledgerctl pharmacy add --tenant <tenant-uuid> --code P01 --name "Main St"
  ledgerctl migrate --all
  ledgerctl migrate --id <tenant-uuid>`)
}

// parseFlags reads "--name value" pairs and bare "--flag" switches.
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "--") {
			continue
		}
		name := strings.TrimPrefix(args[i], "--")
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[name] = args[i+1]
			i++
			continue
		}
		flags[name] = "true"
	}
	return flags
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("Error: %s environment variable is required\n", key)
		os.Exit(1)
	}
	return value
}

func fail(format string, args ...any) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func openRegistry(ctx context.Context) (*tenant.PostgresRegistry, func()) {
	pool, err := pgxpool.New(ctx, mustEnv("META_DATABASE_URL"))
	if err != nil {
		fail("connecting to meta database: %v", err)
	}
	return tenant.NewPostgresRegistry(pool), pool.Close
}

func tenantCommand(ctx context.Context, args []string) {
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		createTenant(ctx, parseFlags(args[1:]))
	case "list":
		listTenants(ctx)
	case "suspend":
		setTenantStatus(ctx, args[1:], tenant.StatusSuspended)
	case "activate":
		setTenantStatus(ctx, args[1:], tenant.StatusActive)
	default:
		fail("unknown tenant command %q", args[0])
	}
}

// tenantDBName derives the database name from the slug.
func tenantDBName(slug string) string {
	return "ledger_" + strings.ReplaceAll(strings.ToLower(slug), "-", "_")
}

func createTenant(ctx context.Context, flags map[string]string) {
	slug, name := flags["slug"], flags["name"]
	if slug == "" || name == "" {
		fmt.Println("Usage: ledgerctl tenant create --slug <slug> --name <name> [--host localhost] [--port 5432]")
		os.Exit(1)
	}
	host := flags["host"]
	if host == "" {
		host = "localhost"
	}
	port := 5432
	if raw := flags["port"]; raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			fail("invalid --port %q", raw)
		}
		port = p
	}

	registry, closeFn := openRegistry(ctx)
	defer closeFn()

	t := &tenant.Tenant{
		Slug:        slug,
		DisplayName: name,
		DBName:      tenantDBName(slug),
		DBHost:      host,
		DBPort:      port,
		Status:      tenant.StatusActive,
	}

	fmt.Printf("Creating tenant '%s'...\n", slug)

	if adminDSN := os.Getenv("POSTGRES_ADMIN_URL"); adminDSN != "" {
		fmt.Printf("  Creating database %s...\n", t.DBName)
		createDatabase(ctx, adminDSN, t.DBName)
	} else {
		fmt.Println("  POSTGRES_ADMIN_URL not set; the database must exist already")
	}

	if user, pw := os.Getenv("TENANT_DB_USER"), os.Getenv("TENANT_DB_PASSWORD"); user != "" && pw != "" {
		fmt.Println("  Running migrations...")
		if err := runGoose(tenantMigrations, t.DSN(user, pw)); err != nil {
			fmt.Printf("  Warning: migrations failed: %v\n", err)
		}
	}

	if err := registry.Create(ctx, t); err != nil {
		fail("registering tenant: %v", err)
	}

	fmt.Printf("\nTenant '%s' created\n", slug)
	fmt.Printf("  Tenant ID: %s\n", t.ID)
	fmt.Printf("  Database:  %s@%s:%d\n", t.DBName, t.DBHost, t.DBPort)
}

func createDatabase(ctx context.Context, adminDSN, dbName string) {
	adminPool, err := pgxpool.New(ctx, adminDSN)
	if err != nil {
		fmt.Printf("  Warning: could not connect as admin: %v\n", err)
		return
	}
	defer adminPool.Close()

	// Identifiers cannot be bound as parameters.
	_, err = adminPool.Exec(ctx, "CREATE DATABASE "+quoteIdent(dbName))
	switch {
	case err == nil:
		fmt.Println("  Database created")
	case strings.Contains(err.Error(), "already exists"):
		fmt.Println("  Database already exists")
	default:
		fmt.Printf("  Warning: could not create database: %v\n", err)
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func listTenants(ctx context.Context) {
	registry, closeFn := openRegistry(ctx)
	defer closeFn()

	tenants, err := registry.ListAll(ctx)
	if err != nil {
		fail("listing tenants: %v", err)
	}
	if len(tenants) == 0 {
		fmt.Println("No tenants found")
		return
	}

	fmt.Printf("%-36s %-20s %-30s %-24s %-10s\n", "TENANT_ID", "SLUG", "NAME", "DATABASE", "STATUS")
	fmt.Println(strings.Repeat("-", 124))
	for _, t := range tenants {
		fmt.Printf("%-36s %-20s %-30s %-24s %-10s\n",
			t.ID,
			truncate(t.Slug, 20),
			truncate(t.DisplayName, 30),
			truncate(t.DBName, 24),
			t.Status,
		)
	}
}

func setTenantStatus(ctx context.Context, args []string, status tenant.Status) {
	if len(args) < 1 {
		fail("tenant id is required")
	}
	registry, closeFn := openRegistry(ctx)
	defer closeFn()

	if err := registry.UpdateStatusByID(ctx, args[0], status); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Tenant '%s' is now %s\n", args[0], status)
}

func pharmacyCommand(ctx context.Context, args []string) {
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	flags := parseFlags(args[1:])
	registry, closeFn := openRegistry(ctx)
	defer closeFn()

	tenantID := flags["tenant"]
	if tenantID == "" {
		fail("--tenant is required")
	}
	if _, err := registry.GetByID(ctx, tenantID); err != nil {
		fail("tenant %s: %v", tenantID, err)
	}

	switch args[0] {
	case "add":
		if flags["code"] == "" || flags["name"] == "" {
			fail("--code and --name are required")
		}
		p := &tenant.Pharmacy{
			ID:       id.New().String(),
			TenantID: tenantID,
			Code:     flags["code"],
			Name:     flags["name"],
		}
		if err := registry.CreatePharmacy(ctx, p); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Pharmacy '%s' registered: %s\n", p.Code, p.ID)
	case "list":
		list, err := registry.ListPharmacies(ctx, tenantID)
		if err != nil {
			fail("%v", err)
		}
		for _, p := range list {
			fmt.Printf("%-36s %-10s %s\n", p.ID, p.Code, p.Name)
		}
	default:
		fail("unknown pharmacy command %q", args[0])
	}
}

func migrateTenants(ctx context.Context, flags map[string]string) {
	targetID, all := flags["id"], flags["all"] == "true"
	if !all && targetID == "" {
		fail("specify --id <tenant-uuid> or --all")
	}

	user, pw := mustEnv("TENANT_DB_USER"), mustEnv("TENANT_DB_PASSWORD")

	registry, closeFn := openRegistry(ctx)
	defer closeFn()

	var tenants []*tenant.Tenant
	if all {
		list, err := registry.ListActive(ctx)
		if err != nil {
			fail("%v", err)
		}
		tenants = list
	} else {
		t, err := registry.GetByID(ctx, targetID)
		if err != nil {
			fail("tenant '%s': %v", targetID, err)
		}
		tenants = []*tenant.Tenant{t}
	}

	failed := 0
	for _, t := range tenants {
		fmt.Printf("Migrating %s (%s)...\n", t.Slug, t.DBName)
		if err := runGoose(tenantMigrations, t.DSN(user, pw)); err != nil {
			fmt.Printf("  Failed: %v\n", err)
			failed++
			continue
		}
		fmt.Println("  Done")
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// runGoose shells out to the goose binary, which owns migration state.
func runGoose(dir, dsn string) error {
	cmd := exec.Command("goose", "-dir", dir, "postgres", dsn, "up")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
