package config

import (
	"fmt"
	"os"
)

// Default robot endpoints.
const (
	DefaultRobotIP   = "127.0.0.1"
	DefaultRobotPort = 8000
)

// RobotIP returns the robot IP from the ROBOT_IP env var.
// Falls back to the provided default if not set.
func RobotIP(defaultIP string) string {
	if ip := os.Getenv("ROBOT_IP"); ip != "" {
		return ip
	}
	return defaultIP
}

// RobotAPIURL returns the robot daemon HTTP API URL.
func RobotAPIURL(robotIP string, port int) string {
	return fmt.Sprintf("http://%s:%d", robotIP, port)
}

// SignallingURL returns the robot's WebRTC signalling endpoint.
func SignallingURL(robotIP string, port int) string {
	return fmt.Sprintf("ws://%s:%d", robotIP, port)
}
