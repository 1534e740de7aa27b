package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 设置全局 logger：dev 环境使用可读的控制台输出，其余输出 JSON。
// level 为空时 dev 默认 debug，其余默认 info。
func Init(env, level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(env, level))
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(env, level string) zerolog.Level {
	if level != "" {
		if lv, err := zerolog.ParseLevel(level); err == nil {
			return lv
		}
	}
	if env == "dev" {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
