package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/protocol"
	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/live/registry"
)

const (
	ToolSystemInfo   = "get_system_info"
	ToolDeviceStatus = "get_device_status"
	ToolSendCommand  = "send_command"
)

// SessionDirectory is the slice of the session registry the built-in tools read.
type SessionDirectory interface {
	Count() int
	AttachedCount() int
	ByDevice(deviceID string) []registry.Session
	Notify(deviceID string, msg protocol.Message) (int, error)
}

type systemInfoArgs struct{}

type deviceStatusArgs struct {
	DeviceID string `json:"device_id" jsonschema:"ID of the device"`
}

type sendCommandArgs struct {
	DeviceID string `json:"device_id" jsonschema:"ID of the device"`
	Command  string `json:"command" jsonschema:"command to deliver to the device"`
}

type sessionStatus struct {
	SessionID    string               `json:"session_id"`
	Attached     bool                 `json:"attached"`
	State        string               `json:"state,omitempty"`
	AudioParams  protocol.AudioParams `json:"audio_params"`
	Features     protocol.Features    `json:"features"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
}

// Builtins returns the tools every gateway exposes.
func Builtins(info ServerInfo, dir SessionDirectory, started time.Time) ([]Executor, error) {
	systemInfo, err := NewFuncTool(ToolSystemInfo, "Get gateway runtime information",
		func(ctx context.Context, _ systemInfoArgs) (any, error) {
			return map[string]any{
				"service":           info.Name,
				"version":           info.Version,
				"go_version":        runtime.Version(),
				"goroutines":        runtime.NumGoroutine(),
				"uptime_seconds":    int64(time.Since(started).Seconds()),
				"sessions":          dir.Count(),
				"attached_sessions": dir.AttachedCount(),
			}, nil
		})
	if err != nil {
		return nil, err
	}

	deviceStatus, err := NewFuncTool(ToolDeviceStatus, "Get the live session status of a device",
		func(ctx context.Context, args deviceStatusArgs) (any, error) {
			id := strings.TrimSpace(args.DeviceID)
			sessions := dir.ByDevice(id)
			out := make([]sessionStatus, 0, len(sessions))
			online := false
			for _, s := range sessions {
				online = online || s.Attached
				out = append(out, sessionStatus{
					SessionID:    s.ID,
					Attached:     s.Attached,
					State:        s.State,
					AudioParams:  s.AudioParams,
					Features:     s.Features,
					CreatedAt:    s.CreatedAt,
					LastActivity: s.LastActivity,
				})
			}
			return map[string]any{"device_id": id, "online": online, "sessions": out}, nil
		})
	if err != nil {
		return nil, err
	}

	sendCommand, err := NewFuncTool(ToolSendCommand, "Send a command to a connected device",
		func(ctx context.Context, args sendCommandArgs) (any, error) {
			id := strings.TrimSpace(args.DeviceID)
			cmd := strings.TrimSpace(args.Command)
			if cmd == "" {
				return nil, errors.New("command must be non-empty")
			}
			n, err := dir.Notify(id, protocol.System{Command: cmd})
			if errors.Is(err, registry.ErrNoHandler) {
				return nil, fmt.Errorf("device %q is not connected", id)
			}
			if err != nil && n == 0 {
				return nil, fmt.Errorf("deliver command: %w", err)
			}
			return map[string]any{"device_id": id, "command": cmd, "delivered": n}, nil
		})
	if err != nil {
		return nil, err
	}

	return []Executor{systemInfo, deviceStatus, sendCommand}, nil
}
