// Package logger lets the erc4337 clients take an optional eigensdk logger
// and tag what each of them writes with the component it came from.
package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

type Logger = sdklogging.Logger

// Component names the clients log under.
const (
	ComponentBundler   = "bundler"
	ComponentPaymaster = "paymaster"
	ComponentWaiter    = "waiter"
	ComponentProvider  = "provider"
)

// Discard drops every entry. Clients built without a logger use it.
var Discard Logger = discard{}

// Or returns l, or Discard when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return Discard
	}
	return l
}

// For scopes l to component. A nil l gives Discard.
func For(l Logger, component string) Logger {
	if l == nil {
		return Discard
	}
	return l.With("component", component)
}

type discard struct{}

func (discard) Debug(string, ...any)          {}
func (discard) Info(string, ...any)           {}
func (discard) Warn(string, ...any)           {}
func (discard) Error(string, ...any)          {}
func (discard) Fatal(string, ...any)          {}
func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
func (discard) Fatalf(string, ...interface{}) {}

func (d discard) With(...any) Logger { return d }
