package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remindd/internal/app"
	"remindd/internal/config"
	"remindd/internal/httpapi"
)

func main() {
	var (
		cfgPath  string
		tokenSub string
		tokenTTL time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&tokenSub, "token", "", "print an API bearer token for this subject and exit")
	flag.DurationVar(&tokenTTL, "token-ttl", 30*24*time.Hour, "lifetime of the token printed by -token (0 = no expiry)")
	flag.Parse()

	if tokenSub != "" {
		if err := printToken(cfgPath, tokenSub, tokenTTL); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	signal.Stop(sigs)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "exit:", err)
		os.Exit(1)
	}
}

func printToken(cfgPath, subject string, ttl time.Duration) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	if cfg.HTTP.JWTSecret == "" {
		return fmt.Errorf("http.jwt_secret is not set in %s", cfgPath)
	}
	tok, err := httpapi.IssueToken([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.JWTIssuer, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
