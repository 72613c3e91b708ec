// Package errors turns fatal component failures into a process exit code.
package errors

import (
	"fmt"
	"os"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
)

const (
	ExitFatal  = 1
	ExitConfig = 2
)

// ComponentError is a failure attributed to a named component, such as
// "cluster 2" or "amqp".
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

func NewComponentError(component string, err error) *ComponentError {
	return &ComponentError{Component: component, Err: err}
}

// ErrorHandler collects the first fatal error and hands its exit code to
// whoever waits on it. Later errors are logged but do not change the code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError logs err against component and requests exit.
func (eh *ErrorHandler) FatalError(component string, err error) {
	logger.Error("FATAL", "error", NewComponentError(component, err))
	eh.signal(ExitFatal)
}

// ConfigError reports an unreadable or invalid configuration file.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
	}
	eh.signal(ExitConfig)
}

// ValidationError reports a configuration that loaded but cannot be used.
func (eh *ErrorHandler) ValidationError(err error) {
	logger.Error("Invalid configuration", "error", err)
	eh.signal(ExitConfig)
}

// Exit delivers the exit code of the first reported error.
func (eh *ErrorHandler) Exit() <-chan int {
	return eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
