package main

import (
	"context"
	"os"

	"chatsync/internal/cli"
)

func main() {
	// main 只负责执行根命令，配置、日志与服务组装都在子命令中完成。
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
