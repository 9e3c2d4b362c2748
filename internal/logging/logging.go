// Package logging はアプリケーション共通の構造化ロガーを提供します。
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New は実行モードに応じたロガーを生成します。
// release モードではJSON出力、それ以外では開発用の整形出力になります。
func New(mode string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if mode == "release" {
		return zerolog.New(os.Stdout).
			Level(zerolog.InfoLevel).
			With().
			Timestamp().
			Logger()
	}

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	return zerolog.New(writer).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()
}
