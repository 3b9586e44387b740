package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Version is reported to the control plane at enrollment.
const Version = "1.0.0"

const (
	pollInterval      = 10 * time.Second
	metricsInterval   = 30 * time.Second
	inventoryInterval = time.Hour
)

// Service is the long-running background process on an audited host: it
// enrolls once, then polls for check work and reports metrics and inventory.
// The agent never listens; every interaction is outbound pull.
type Service struct {
	client     *client
	config     Config
	configPath string
	logger     *log.Logger
	run        func(ctx context.Context, command string) (string, error)
}

// NewService loads configuration from the provided path and returns an
// initialized Service instance.
func NewService(configPath string) (*Service, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.API) == "" {
		return nil, fmt.Errorf("config missing api field")
	}
	if err := ensureHTTPS(cfg.API, allowInsecureHTTP()); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Token) == "" && strings.TrimSpace(cfg.EnrollToken) == "" {
		return nil, fmt.Errorf("config needs either token or enroll_token")
	}

	return &Service{
		client:     newClient(cfg),
		config:     cfg,
		configPath: configPath,
		logger:     log.New(os.Stdout, "warden-agent: ", log.LstdFlags),
		run:        runShell,
	}, nil
}

// Run executes the agent loop until the provided context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureEnrolled(ctx); err != nil {
		return err
	}

	// First reports go out immediately so a fresh host shows up without
	// waiting a full interval.
	if err := s.reportMetrics(ctx); err != nil {
		s.logger.Printf("initial metrics report failed: %v", err)
	}
	if err := s.reportInventory(ctx); err != nil {
		s.logger.Printf("initial inventory report failed: %v", err)
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	metrics := time.NewTicker(metricsInterval)
	defer metrics.Stop()
	inventory := time.NewTicker(inventoryInterval)
	defer inventory.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if err := s.pollOnce(ctx); err != nil {
				s.logger.Printf("poll failed: %v", err)
			}
		case <-metrics.C:
			if err := s.reportMetrics(ctx); err != nil {
				s.logger.Printf("metrics report failed: %v", err)
			}
		case <-inventory.C:
			if err := s.reportInventory(ctx); err != nil {
				s.logger.Printf("inventory report failed: %v", err)
			}
		}
	}
}

// ensureEnrolled exchanges the enroll token for a permanent identity when the
// agent runs for the first time, and persists it so restarts skip this step.
func (s *Service) ensureEnrolled(ctx context.Context) error {
	if strings.TrimSpace(s.config.Token) != "" && strings.TrimSpace(s.config.ServerID) != "" {
		return nil
	}

	serverID, agentToken, err := s.client.enroll(ctx, s.config.EnrollToken, Version, osInfoString())
	if err != nil {
		return fmt.Errorf("enroll: %w", err)
	}

	s.config.ServerID = serverID
	s.config.Token = agentToken
	s.config.EnrollToken = ""
	s.client.serverID = serverID
	s.client.token = agentToken

	if err := saveConfig(s.configPath, s.config); err != nil {
		// Enrollment consumed the token server-side; losing the new identity
		// here would strand the host permanently.
		return fmt.Errorf("persist enrolled identity: %w", err)
	}

	s.logger.Printf("enrolled as server %s", serverID)
	return nil
}

// pollOnce fetches pending checks, executes them, and posts results grouped
// by audit run. Ad-hoc checks post to the ADHOC pseudo-run.
func (s *Service) pollOnce(ctx context.Context) error {
	pending, err := s.client.fetchPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	grouped := make(map[string][]checkResult)
	for _, check := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		grouped[check.AuditRunID] = append(grouped[check.AuditRunID], s.executeCheck(ctx, check))
	}

	var errs []error
	for runID, results := range grouped {
		if err := s.client.postResults(ctx, runID, results); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", runID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) reportMetrics(ctx context.Context) error {
	sample, err := collectMetrics()
	if err != nil {
		return err
	}
	return s.client.postMetrics(ctx, sample)
}

func (s *Service) reportInventory(ctx context.Context) error {
	return s.client.postInventory(ctx, collectInventory())
}
