// codeloft-check is a pre-flight diagnostic for a runtime core host: it
// probes each external dependency the server needs and prints a pass/fail
// line per component. Intended for install scripts and on-call triage.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docker/docker/client"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

type component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	fmt.Println("\033[96mCodeloft Runtime Core - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []component{
		{"Container Engine", checkEngine},
		{"Redis", checkRedis},
		{"Session Store (Postgres)", checkPostgres},
		{"Runtime Core API", checkServer},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-28s ", c.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Test(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d component(s) unavailable.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: host ready for sandbox traffic.\033[0m")
}

func checkEngine(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err
}

func checkRedis(ctx context.Context) error {
	addr := envOr("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

// checkPostgres is a no-op when DATABASE_URL is unset; memory-store
// deployments have nothing to probe.
func checkPostgres(ctx context.Context) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func checkServer(ctx context.Context) error {
	base := envOr("CODELOFT_SERVER_URL", "http://localhost:8080")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %s", resp.Status)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
