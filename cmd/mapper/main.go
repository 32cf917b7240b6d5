package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 CLI 命令，任何錯誤都以 exit code 1 結束
// 3. 處理頂層 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/phrase-mapper/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
