// Package slogx holds the slog attribute helpers shared by every package.
package slogx

import (
	"fmt"
	"log/slog"
)

const (
	// KeyLoggerName is the key for the name of the component that logs.
	KeyLoggerName = "logger"
	KeyModel      = "model"
	KeySite       = "site"
	KeyTokens     = "tokens"
	KeyAction     = "action"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}

// Stringer creates a slog.Attr with the provided key and the string
// representation of the given fmt.Stringer value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName creates a slog.Attr with the provided logger name.
// The attribute key is defined by KeyLoggerName.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Model names the model a sample is attributed to.
func Model(model string) slog.Attr {
	return slog.String(KeyModel, model)
}

// Site names the host a sample was captured on.
func Site(site string) slog.Attr {
	return slog.String(KeySite, site)
}

// Tokens carries a token count.
func Tokens(n int) slog.Attr {
	return slog.Int(KeyTokens, n)
}

// Action names a message kind.
func Action(action string) slog.Attr {
	return slog.String(KeyAction, action)
}
