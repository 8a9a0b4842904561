// Package logx configures bettercal's structured logging.
//
// Components take a logx.Logger (a thin zerolog wrapper) and derive
// component loggers with With(logx.String("comp", ...)). Console output
// stays short and human readable, the file sink is JSON, and warnings can
// optionally be mirrored into a Telegram chat.
package logx
