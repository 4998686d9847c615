//go:build !linux

package inject

import (
	"context"
	"log/slog"

	"github.com/scrivelabs/scrive-core/internal/apptarget"
)

// VirtualDeviceStrategy is Linux-only; on other platforms it reports
// itself unavailable and the dispatcher never ranks it.
type VirtualDeviceStrategy struct{}

func NewVirtualDeviceStrategy(devicePath string, logger *slog.Logger) *VirtualDeviceStrategy {
	return &VirtualDeviceStrategy{}
}

func (s *VirtualDeviceStrategy) ID() string { return StrategyVirtualDevice }

func (s *VirtualDeviceStrategy) Available() bool { return false }

func (s *VirtualDeviceStrategy) CanEncode(string) bool { return false }

func (s *VirtualDeviceStrategy) Attempt(context.Context, string, apptarget.Target) error {
	return ErrUnavailable
}

func (s *VirtualDeviceStrategy) Close() error { return nil }
