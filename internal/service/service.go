// Package service starts configured application services for
// post-completion verification and waits for their health endpoints.
package service

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ralphdev/ralph/internal/common/config"
	ralpherrors "github.com/ralphdev/ralph/internal/common/errors"
	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events"
)

// probeInterval is how often a pending health path is re-polled.
const probeInterval = 500 * time.Millisecond

// shutdownGrace is how long a signaled service gets before force-kill.
const shutdownGrace = 5 * time.Second

// Manager owns the lifecycle of the configured services.
type Manager struct {
	services []config.ServiceConfig
	repoRoot string
	sink     events.Sink
	logger   *logger.Logger
	client   *http.Client

	mu    sync.Mutex
	procs []*exec.Cmd
}

// NewManager creates a manager for the configured services.
func NewManager(services []config.ServiceConfig, repoRoot string, sink events.Sink, log *logger.Logger) *Manager {
	return &Manager{
		services: services,
		repoRoot: repoRoot,
		sink:     sink,
		logger:   log.WithFields(zap.String("component", "service")),
		client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// StartAll launches every service and blocks until each reports ready.
// A service is ready when all its health paths return 2xx within its
// startup timeout; any service that does not become ready fails the
// whole verification with a service failure.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, svc := range m.services {
		if err := m.startOne(ctx, svc); err != nil {
			m.StopAll()
			return err
		}
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, svc config.ServiceConfig) error {
	m.emit(ctx, events.ServiceStarting, map[string]any{
		"service": svc.Name,
		"port":    svc.Port,
	})
	m.logger.Info("starting service",
		zap.String("service", svc.Name),
		zap.Int("port", svc.Port))

	for _, startCmd := range svc.StartCommands {
		cmd := exec.Command("sh", "-c", startCmd)
		cmd.Dir = m.repoRoot
		// Own process group so shutdown signals reach shell children.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			m.emit(ctx, events.ServiceFailed, map[string]any{
				"service": svc.Name,
				"reason":  "spawn_failed",
				"error":   err.Error(),
			})
			return ralpherrors.ServiceFailure(svc.Name, err)
		}
		m.mu.Lock()
		m.procs = append(m.procs, cmd)
		m.mu.Unlock()
	}

	if err := m.awaitHealthy(ctx, svc); err != nil {
		m.emit(ctx, events.ServiceFailed, map[string]any{
			"service": svc.Name,
			"reason":  "health_timeout",
			"error":   err.Error(),
		})
		return ralpherrors.ServiceFailure(svc.Name, err)
	}

	m.emit(ctx, events.ServiceReady, map[string]any{
		"service": svc.Name,
		"port":    svc.Port,
	})
	m.logger.Info("service ready", zap.String("service", svc.Name))
	return nil
}

// awaitHealthy polls every health path concurrently until all return
// 2xx or the startup timeout elapses.
func (m *Manager) awaitHealthy(ctx context.Context, svc config.ServiceConfig) error {
	deadline, cancel := context.WithTimeout(ctx, svc.StartupTimeoutDuration())
	defer cancel()

	g, gctx := errgroup.WithContext(deadline)
	for _, path := range svc.HealthPaths {
		url := fmt.Sprintf("http://localhost:%d%s", svc.Port, path)
		g.Go(func() error {
			ticker := time.NewTicker(probeInterval)
			defer ticker.Stop()
			for {
				if m.probe(gctx, url) {
					return nil
				}
				select {
				case <-gctx.Done():
					return fmt.Errorf("health path %s not ready within %v", url, svc.StartupTimeoutDuration())
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// StopAll signals every started process group, grants the grace
// period, then force-kills stragglers. Safe to call more than once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	procs := m.procs
	m.procs = nil
	m.mu.Unlock()

	for _, cmd := range procs {
		if cmd.Process == nil {
			continue
		}
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		for _, cmd := range procs {
			_ = cmd.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		for _, cmd := range procs {
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		}
		<-done
	}
}

func (m *Manager) emit(ctx context.Context, kind string, payload map[string]any) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Emit(ctx, kind, payload); err != nil {
		m.logger.WithError(err).Error("failed to emit service event")
	}
}
