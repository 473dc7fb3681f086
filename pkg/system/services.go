package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// ServiceAction is a systemctl verb.
type ServiceAction string

const (
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
	ServiceReload  ServiceAction = "reload"
	ServiceEnable  ServiceAction = "enable"
	ServiceDisable ServiceAction = "disable"
)

// ServiceStatus is what systemctl reports about a unit.
type ServiceStatus struct {
	Active  string
	Enabled bool
}

// Services drives systemd units through systemctl.
type Services struct {
	runner Runner
	logger *telemetry.Logger
}

// NewServices creates a service manager driving runner.
func NewServices(runner Runner, logger *telemetry.Logger) *Services {
	return &Services{runner: runner, logger: component(logger, "services")}
}

// Ensure applies action to the unit and reports whether it changed anything.
// start, stop, enable and disable are no-ops when the unit is already in the
// requested state; restart and reload always count as a change.
func (s *Services) Ensure(ctx context.Context, name string, action ServiceAction) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("service name is required")
	}

	status, err := s.Status(ctx, name)
	if err != nil {
		return false, err
	}

	switch action {
	case ServiceStart:
		if status.Active == "active" {
			return false, nil
		}
	case ServiceStop:
		if status.Active == "inactive" {
			return false, nil
		}
	case ServiceEnable:
		if status.Enabled {
			return false, nil
		}
	case ServiceDisable:
		if !status.Enabled {
			return false, nil
		}
	case ServiceRestart, ServiceReload:
	default:
		return false, fmt.Errorf("invalid service action: %s", action)
	}

	s.logger.WithFields(map[string]interface{}{
		"service": name,
		"action":  string(action),
	}).Info("systemctl")

	res, err := s.runner.Run(ctx, Command{
		Name:     "systemctl",
		Args:     []string{string(action), name},
		Mutating: true,
	})
	if err != nil {
		return false, fmt.Errorf("systemctl %s %s: %w", action, name, err)
	}
	if !res.Success() {
		return false, fmt.Errorf("systemctl %s %s exited with %d: %s",
			action, name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return true, nil
}

// Status queries the active and enabled state of a unit.
func (s *Services) Status(ctx context.Context, name string) (*ServiceStatus, error) {
	active, err := s.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"is-active", name}})
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}
	enabled, err := s.runner.Run(ctx, Command{Name: "systemctl", Args: []string{"is-enabled", name}})
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}
	return &ServiceStatus{
		Active:  strings.TrimSpace(active.Stdout),
		Enabled: strings.TrimSpace(enabled.Stdout) == "enabled",
	}, nil
}
