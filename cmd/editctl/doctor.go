package main

import (
	"context"
	"fmt"
	"time"

	"edithistory/internal/health"
)

func (a *app) healthChecker() *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("database", true, health.DatabaseCheck(a.store))
	c.RegisterFunc("history", true, health.PoisonCheck(a.svc.Poisoned))
	return c
}

func (a *app) cmdDoctor() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	checker := a.healthChecker()
	report := checker.Report(ctx)
	if *jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("Database: %s\n", a.cfg.Storage.Path)
	for _, name := range checker.Names() {
		r := report.Components[name]
		line := fmt.Sprintf("  %-10s %-10s %s", name, r.Status, r.Message)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("Overall: %s\n", report.Status)

	if report.Status == health.StatusUnhealthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}
